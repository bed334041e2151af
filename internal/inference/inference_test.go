package inference

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/otusdev/otusd/internal/episodic"
	"github.com/otusdev/otusd/internal/llm"
	"github.com/otusdev/otusd/internal/session"
	"github.com/otusdev/otusd/internal/tools"
)

// scriptedServer replies with one canned chat/completions response per
// call, in order, looping on the last response if exhausted.
func scriptedServer(t *testing.T, responses []string) *httptest.Server {
	t.Helper()
	var calls int64
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := atomic.AddInt64(&calls, 1) - 1
		if int(i) >= len(responses) {
			i = int64(len(responses) - 1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(responses[i]))
	}))
}

func newEngine(t *testing.T, srv *httptest.Server, maxIterations int) *Engine {
	t.Helper()
	client := llm.New(llm.Config{BaseURL: srv.URL, APIKey: "k", Model: "gpt-4o", MaxTokens: 512})
	registry := tools.New(nil, nil, nil, nil, nil, nil, t.TempDir())
	epi, err := episodic.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return New(client, registry, epi, Config{
		SystemPrompt:  "you are an agent",
		MaxIterations: maxIterations,
		CallTimeout:   5 * time.Second,
	})
}

func drainEvents(sess *session.Session) (<-chan session.TurnEvent, func()) {
	return sess.Subscribe()
}

func TestChatStopsAtTaskCompleteAndSetsSummary(t *testing.T) {
	srv := scriptedServer(t, []string{
		`{"choices":[{"message":{"content":"","tool_calls":[{"id":"c1","function":{"name":"task_complete","arguments":"{\"summary\":\"all done\"}"}}]}}]}`,
	})
	defer srv.Close()

	engine := newEngine(t, srv, 10)
	sess := session.New("s1")
	events, unsub := drainEvents(sess)
	defer unsub()

	engine.Chat(context.Background(), sess, "do the thing")

	var lastComplete session.TurnEvent
	for {
		select {
		case ev := <-events:
			if ev.Kind == session.EventComplete {
				lastComplete = ev
			}
		default:
			goto done
		}
	}
done:
	require.Equal(t, "all done", lastComplete.Summary)
	require.Equal(t, "all done", sess.Summary)

	log := sess.Log()
	require.NotEmpty(t, log)
	last := log[len(log)-1]
	require.Equal(t, session.RoleToolResult, last.Role)
	require.False(t, last.IsError)
}

func TestChatExhaustsMaxIterationsWithoutCompletion(t *testing.T) {
	srv := scriptedServer(t, []string{
		`{"choices":[{"message":{"content":"thinking out loud"}}]}`,
	})
	defer srv.Close()

	engine := newEngine(t, srv, 2)
	sess := session.New("s1")
	events, unsub := drainEvents(sess)
	defer unsub()

	engine.Chat(context.Background(), sess, "do something")

	var sawMaxIterations, sawComplete bool
	var completeSummary string
	for {
		select {
		case ev := <-events:
			if ev.Kind == session.EventMaxIterations {
				sawMaxIterations = true
			}
			if ev.Kind == session.EventComplete {
				sawComplete = true
				completeSummary = ev.Summary
			}
		default:
			goto done
		}
	}
done:
	require.True(t, sawMaxIterations)
	require.True(t, sawComplete)
	require.Empty(t, completeSummary)
}

func TestChatAppendsActionPromptWhenNoToolCallsAndNotComplete(t *testing.T) {
	srv := scriptedServer(t, []string{
		`{"choices":[{"message":{"content":"just thinking"}}]}`,
		`{"choices":[{"message":{"content":"","tool_calls":[{"id":"c1","function":{"name":"task_complete","arguments":"{\"summary\":\"done\"}"}}]}}]}`,
	})
	defer srv.Close()

	engine := newEngine(t, srv, 10)
	sess := session.New("s1")

	engine.Chat(context.Background(), sess, "go")

	var sawActionPrompt bool
	for _, e := range sess.Log() {
		if e.Role == session.RoleUser && e.Text == actionPrompt {
			sawActionPrompt = true
		}
	}
	require.True(t, sawActionPrompt)
}

func TestChatRepairsInterruptedTurnBeforeNewUserMessage(t *testing.T) {
	srv := scriptedServer(t, []string{
		`{"choices":[{"message":{"content":"","tool_calls":[{"id":"c1","function":{"name":"task_complete","arguments":"{\"summary\":\"done\"}"}}]}}]}`,
	})
	defer srv.Close()

	engine := newEngine(t, srv, 5)
	sess := session.New("s1")
	sess.Append(session.Entry{Role: session.RoleUser, Text: "earlier request"})
	sess.Append(session.Entry{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{{ID: "t1", Name: "wait"}}})

	engine.Chat(context.Background(), sess, "continue")

	log := sess.Log()
	var repairIdx, userIdx int = -1, -1
	for i, e := range log {
		if e.Role == session.RoleToolResult && e.ToolCallID == "t1" {
			repairIdx = i
			require.Equal(t, interruptedToolResult, e.Content)
			require.True(t, e.IsError)
		}
		if e.Role == session.RoleUser && e.Text == "continue" {
			userIdx = i
		}
	}
	require.NotEqual(t, -1, repairIdx)
	require.NotEqual(t, -1, userIdx)
	require.Less(t, repairIdx, userIdx)
}

func TestChatReplacesFirstUserTextWithInitialPromptTemplate(t *testing.T) {
	srv := scriptedServer(t, []string{
		`{"choices":[{"message":{"content":"","tool_calls":[{"id":"c1","function":{"name":"task_complete","arguments":"{\"summary\":\"done\"}"}}]}}]}`,
	})
	defer srv.Close()

	engine := newEngine(t, srv, 5)
	sess := session.New("s1")

	engine.Chat(context.Background(), sess, "my very first request")

	log := sess.Log()
	require.Equal(t, session.RoleUser, log[0].Role)
	require.Contains(t, log[0].Text, "my very first request")
	require.NotEqual(t, "my very first request", log[0].Text)
}

func TestChatOnTransportErrorEmitsErrorAndComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	engine := newEngine(t, srv, 5)
	sess := session.New("s1")
	events, unsub := drainEvents(sess)
	defer unsub()

	engine.Chat(context.Background(), sess, "go")

	var sawError, sawComplete bool
	var summary string
	for {
		select {
		case ev := <-events:
			if ev.Kind == session.EventError {
				sawError = true
			}
			if ev.Kind == session.EventComplete {
				sawComplete = true
				summary = ev.Summary
			}
		default:
			goto done
		}
	}
done:
	require.True(t, sawError)
	require.True(t, sawComplete)
	require.Contains(t, summary, "Error:")
}
