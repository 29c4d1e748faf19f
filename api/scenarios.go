/*
scenarios.go - Demo catalog loaders for local development and demos

PURPOSE:

	Seeds the catalog with realistic targets so the checkout, membership
	and scheduling flows can be exercised without an admin client.

AVAILABLE SCENARIOS:

	paid-course:       One organization, one paid course
	members-only:      Paid membership, members-only event, membership -> course link
	weekly-live-class: Live event with a weekly recurring session series

HOW SCENARIOS WORK:
 1. Upsert organization targets (price, capacity, audience)
 2. Upsert memberships and sync links
 3. Optionally create a recurring definition and materialize its horizon

Loading is additive. Targets and links are upserts, and a series is only
created when no live series exists for the event, so loading a scenario
twice is harmless.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "members-only"}

SEE ALSO:
  - handlers.go: PutTarget, LinkTargets, CreateDefinition
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dvuka/learning-engine/enrollment"
	"github.com/dvuka/learning-engine/recurrence"
)

// ScenarioDTO describes a loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const demoOrg = "acme-academy"

var (
	demoCourse     = enrollment.Target{Kind: enrollment.TargetCourse, ID: "go-101"}
	demoMembership = enrollment.Target{Kind: enrollment.TargetMembership, ID: demoOrg}
	demoTownHall   = enrollment.Target{Kind: enrollment.TargetEvent, ID: "town-hall"}
	demoLiveClass  = enrollment.Target{Kind: enrollment.TargetEvent, ID: "go-101-live"}
)

var scenarios = []ScenarioDTO{
	{
		ID:          "paid-course",
		Name:        "Paid Course",
		Description: "A 10.00 course sold by one organization",
		Category:    "enrollment",
	},
	{
		ID:          "members-only",
		Name:        "Members Only",
		Description: "Paid membership granting a course and a members-only event",
		Category:    "membership",
	},
	{
		ID:          "weekly-live-class",
		Name:        "Weekly Live Class",
		Description: "Course students attend a Monday 10:00 Nairobi session every week",
		Category:    "scheduling",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	var err error
	switch req.ScenarioID {
	case "paid-course":
		err = h.loadPaidCourseScenario(ctx)
	case "members-only":
		err = h.loadMembersOnlyScenario(ctx)
	case "weekly-live-class":
		err = h.loadWeeklyLiveClassScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q not found", req.ScenarioID))
		return
	}
	if err != nil {
		writeDomainError(w, "Failed to load scenario", err)
		return
	}

	h.logger.InfoContext(ctx, "scenario loaded", "scenario", req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadPaidCourseScenario(ctx context.Context) error {
	return h.Store.SaveTarget(ctx, enrollment.TargetInfo{
		Target:           demoCourse,
		OrganizationID:   demoOrg,
		Title:            "Go 101",
		Price:            1000,
		Currency:         h.Coordinator.Currency(),
		RegistrationOpen: true,
		Audience:         enrollment.AudienceAnyone,
	}, nil)
}

func (h *Handler) loadMembersOnlyScenario(ctx context.Context) error {
	if err := h.loadPaidCourseScenario(ctx); err != nil {
		return err
	}

	seats := 50
	targets := []enrollment.TargetInfo{
		{
			Target:           demoMembership,
			OrganizationID:   demoOrg,
			Title:            "Acme Academy membership",
			Price:            5000,
			Currency:         h.Coordinator.Currency(),
			RegistrationOpen: true,
			Audience:         enrollment.AudienceAnyone,
		},
		{
			Target:           demoTownHall,
			OrganizationID:   demoOrg,
			Title:            "Members town hall",
			Capacity:         &seats,
			RegistrationOpen: true,
			Audience:         enrollment.AudienceOrgMembers,
		},
	}
	for _, info := range targets {
		if err := h.Store.SaveTarget(ctx, info, nil); err != nil {
			return fmt.Errorf("failed to save %s: %w", info.Target, err)
		}
	}
	return h.Store.LinkTargets(ctx, demoMembership, demoCourse)
}

func (h *Handler) loadWeeklyLiveClassScenario(ctx context.Context) error {
	if err := h.loadPaidCourseScenario(ctx); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := h.Store.SaveTarget(ctx, enrollment.TargetInfo{
		Target:           demoLiveClass,
		OrganizationID:   demoOrg,
		Title:            "Go 101 live session",
		RegistrationOpen: true,
		Audience:         enrollment.AudienceCourseStudents,
		CourseID:         demoCourse.ID,
	}, &now); err != nil {
		return err
	}
	if err := h.Store.LinkTargets(ctx, demoCourse, demoLiveClass); err != nil {
		return err
	}

	live, err := h.Store.Definitions(ctx, now)
	if err != nil {
		return err
	}
	for _, d := range live {
		if d.TargetID == demoLiveClass.ID {
			return nil
		}
	}

	def, err := h.Engine.CreateDefinition(ctx, recurrence.Definition{
		TargetID:  demoLiveClass.ID,
		Title:     "Go 101 live session",
		StartTime: now,
		Rule: recurrence.Rule{
			Frequency: recurrence.FrequencyWeekly,
			Interval:  1,
			Weekday:   time.Monday,
			Hour:      10,
			Duration:  time.Hour,
			Location:  "Africa/Nairobi",
		},
		Scope: recurrence.ScopeCourseStudents,
	})
	if err != nil {
		return err
	}
	_, err = h.Engine.Materialize(ctx, def.ID, now.Add(28*24*time.Hour))
	return err
}
