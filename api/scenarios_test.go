package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvuka/learning-engine/gateway"
)

func TestListScenarios(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))
}

func TestLoadScenario(t *testing.T) {
	for _, sc := range scenarios {
		t.Run(sc.ID, func(t *testing.T) {
			// GIVEN: an empty catalog
			// WHEN: the scenario is loaded twice
			// THEN: both loads succeed
			ts := newTestServer(t)
			for i := 0; i < 2; i++ {
				rec := ts.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": sc.ID})
				require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			}
		})
	}

	t.Run("unknown", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestMembersOnlyScenario_MembershipGrantsCourse(t *testing.T) {
	// GIVEN: the members-only catalog
	// WHEN: bob buys the membership
	// THEN: the town hall opens up and the linked course is granted
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/scenarios/load",
		map[string]string{"scenario_id": "members-only"}).Code)

	rec := ts.do(t, http.MethodPost, "/api/enrollments", CheckoutRequest{Actor: "user:bob", Target: "event:town-hall"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "not a member yet")

	init := decode[InitiationDTO](t, ts.do(t, http.MethodPost, "/api/enrollments",
		CheckoutRequest{Actor: "user:bob", Target: "membership:" + demoOrg}))
	payload := chargeSuccess(init.Reference, 5000)
	require.Equal(t, http.StatusOK, ts.webhook(t, payload, gateway.Sign(testSecret, payload)).Code)

	list := decode[[]EnrollmentDTO](t, ts.do(t, http.MethodGet, "/api/actors/user:bob/enrollments", nil))
	var targets []string
	for _, e := range list {
		targets = append(targets, e.Target)
	}
	assert.ElementsMatch(t, []string{"membership:" + demoOrg, demoCourse.String()}, targets)

	rec = ts.do(t, http.MethodPost, "/api/enrollments", CheckoutRequest{Actor: "user:bob", Target: "event:town-hall"})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}
