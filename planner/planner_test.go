package planner

import (
	"context"
	"testing"

	"github.com/autoforge/forge/llm"
	"github.com/autoforge/forge/protocol"
	"github.com/autoforge/forge/registry"
	"github.com/autoforge/forge/retrieval"
	"github.com/stretchr/testify/require"
)

type stubRetriever struct {
	hits []retrieval.DocHit
	err  error
}

func (s *stubRetriever) HybridSearch(context.Context, string, int, float64, map[string]string) ([]retrieval.DocHit, error) {
	return s.hits, s.err
}

type stubReserver struct {
	requests []registry.ReserveRequest
	// errs is consulted by fq_name; missing names succeed.
	errs   map[string]error
	nextID int64
}

func (s *stubReserver) Reserve(_ context.Context, req registry.ReserveRequest) (registry.Lease, error) {
	s.requests = append(s.requests, req)
	if err := s.errs[req.FQName]; err != nil {
		return registry.Lease{}, err
	}
	s.nextID++
	return registry.Lease{LeaseID: s.nextID, Status: "reserved"}, nil
}

type capturePublisher struct {
	topics []string
	keys   []string
	msgs   []interface{}
}

func (p *capturePublisher) Publish(_ context.Context, topic string, msg interface{}, key string) error {
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, key)
	p.msgs = append(p.msgs, msg)
	return nil
}

const simpleAddPlan = `{"steps": [{"goal": "add greet()", "kind": "ADD", "path": "src/app.py"}], "rationale": ["needed"]}`

func TestSimpleAddProducesPlanAndReservation(t *testing.T) {
	var reg = &stubReserver{}
	var pub = &capturePublisher{}
	var p = New(llm.NewDummy(simpleAddPlan), &stubRetriever{}, reg, pub, "gpt-4o-mini")

	var err = p.Handle(context.Background(), &protocol.ChangeRequest{
		ID: "crq-1", Repo: "demo", Branch: "main", Description: "add greet()",
	})
	require.NoError(t, err)

	require.Equal(t, []string{protocol.TopicPlan}, pub.topics)
	require.Equal(t, []string{"crq-1"}, pub.keys)

	var plan = pub.msgs[0].(*protocol.Plan)
	require.Equal(t, "crq-1", plan.ParentRequestID)
	require.NotEmpty(t, plan.ID)
	require.Len(t, plan.Steps, 1)
	require.Equal(t, 1, plan.Steps[0].Order)
	require.Equal(t, protocol.StepAdd, plan.Steps[0].Kind)
	require.Equal(t, "src/app.py", plan.Steps[0].Path)
	require.Equal(t, []string{"needed"}, plan.Rationale)

	require.Len(t, reg.requests, 1)
	require.Equal(t, registry.ReserveRequest{
		Repo: "demo", Branch: "main", FQName: "greet", Kind: "function",
		FilePath: "src/app.py", PlanID: plan.ID, TTLSec: 600,
	}, reg.requests[0])
	require.Len(t, plan.ReservedLeaseIDs, 1)
}

func TestStepsAreNumberedDensely(t *testing.T) {
	var script = `{"steps": [` +
		`{"goal": "a", "kind": "ADD", "path": "x.py"},` +
		`{"goal": "b", "kind": "modify"},` +
		`{"goal": "c", "kind": "sideways"}` +
		`], "rationale": []}`
	var pub = &capturePublisher{}
	var p = New(llm.NewDummy(script), &stubRetriever{}, &stubReserver{}, pub, "m")

	require.NoError(t, p.Handle(context.Background(), &protocol.ChangeRequest{ID: "crq-2", Description: "do things"}))

	var plan = pub.msgs[0].(*protocol.Plan)
	require.Len(t, plan.Steps, 3)
	for i, step := range plan.Steps {
		require.Equal(t, i+1, step.Order)
	}
	require.Equal(t, protocol.StepModify, plan.Steps[1].Kind)
	// Unrecognised labels normalise to MODIFY.
	require.Equal(t, protocol.StepModify, plan.Steps[2].Kind)
}

func TestReservationConflictDoesNotBlockThePlan(t *testing.T) {
	var reg = &stubReserver{errs: map[string]error{"foo": registry.ErrConflict}}
	var pub = &capturePublisher{}
	var p = New(llm.NewDummy(simpleAddPlan), &stubRetriever{}, reg, pub, "m")

	require.NoError(t, p.Handle(context.Background(), &protocol.ChangeRequest{
		ID: "crq-3", Repo: "demo", Branch: "main",
		Description: "wire foo() into greet()",
	}))

	// Both names were attempted; the losing reservation is dropped but
	// the plan still emits with the surviving lease.
	require.Len(t, reg.requests, 2)
	var plan = pub.msgs[0].(*protocol.Plan)
	require.Len(t, plan.ReservedLeaseIDs, 1)
}

func TestMalformedPlanResponseFailsTheRequest(t *testing.T) {
	var p = New(llm.NewDummy("not json"), &stubRetriever{}, &stubReserver{}, &capturePublisher{}, "m")
	var err = p.Handle(context.Background(), &protocol.ChangeRequest{ID: "crq-4", Description: "x"})
	require.Error(t, err)
}

func TestExtractIdentifiersDeduplicates(t *testing.T) {
	var names = extractIdentifiers("call greet() then greet() then _helper2(x)")
	require.Equal(t, []string{"greet", "_helper2"}, names)
	require.Empty(t, extractIdentifiers("no calls here"))
}
