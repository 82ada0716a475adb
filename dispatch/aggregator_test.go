package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/GordenArcher/idempotent-proxy/response"
)

func ok(body string) AgentCaller {
	return func(ctx context.Context) (response.Response, error) {
		return response.Response{Status: 200, Body: []byte(body)}, nil
	}
}

func failing(msg string) AgentCaller {
	return func(ctx context.Context) (response.Response, error) {
		return response.Response{}, errors.New(msg)
	}
}

func TestAnySequential_ReturnsFirstUsable(t *testing.T) {
	res, err := Aggregate(context.Background(), AnySequential, []AgentCaller{
		failing("agent-1 down"),
		ok("from agent 2"),
		ok("never reached"),
	})
	require.NoError(t, err)
	require.Equal(t, "from agent 2", string(res.Body))
}

func TestAnySequential_ReturnsLastErrorIfAllFail(t *testing.T) {
	_, err := Aggregate(context.Background(), AnySequential, []AgentCaller{
		failing("first"),
		failing("second"),
	})
	require.EqualError(t, err, "second")
}

func TestAnyParallel_ReturnsFirstUsableAndCancelsRest(t *testing.T) {
	canceled := make(chan struct{}, 1)
	slow := func(ctx context.Context) (response.Response, error) {
		select {
		case <-ctx.Done():
			canceled <- struct{}{}
		case <-time.After(time.Second):
		}
		return response.Response{Status: 200, Body: []byte("too slow")}, nil
	}
	fast := func(ctx context.Context) (response.Response, error) {
		return response.Response{Status: 200, Body: []byte("fast")}, nil
	}

	res, err := Aggregate(context.Background(), AnyParallel, []AgentCaller{slow, fast})
	require.NoError(t, err)
	require.Equal(t, "fast", string(res.Body))

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Error("expected the slower agent's context to be canceled")
	}
}

func TestAnyParallel_AllFailReturnsAnError(t *testing.T) {
	_, err := Aggregate(context.Background(), AnyParallel, []AgentCaller{
		failing("a"),
		failing("b"),
	})
	require.Error(t, err, "expected an error when every agent fails")
}

func TestAllParallelConsistent_EqualResponsesForwarded(t *testing.T) {
	res, err := Aggregate(context.Background(), AllParallelConsistent, []AgentCaller{
		ok(`{"a":1}`),
		ok(`{"a":1}`),
		ok(`{"a":1}`),
	})
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(res.Body))
}

func TestAllParallelConsistent_DivergentReturns500WithDistinctList(t *testing.T) {
	res, err := Aggregate(context.Background(), AllParallelConsistent, []AgentCaller{
		ok(`{"a":1}`),
		ok(`{"a":2}`),
		ok(`{"a":2}`),
	})
	require.NoError(t, err)
	require.EqualValues(t, 500, res.Status, "expected status 500 on divergence")

	var decoded []response.Response
	require.NoError(t, cbor.Unmarshal(res.Body, &decoded))
	require.Len(t, decoded, 2)
}

func TestAllParallelConsistent_SingleAgentNeverDiverges(t *testing.T) {
	res, err := Aggregate(context.Background(), AllParallelConsistent, []AgentCaller{ok(`{"a":1}`)})
	require.NoError(t, err)
	require.EqualValues(t, 200, res.Status)
}

func TestAggregate_NoCallersIsAnError(t *testing.T) {
	_, err := Aggregate(context.Background(), AnySequential, nil)
	require.Error(t, err, "expected an error with zero callers")
}
