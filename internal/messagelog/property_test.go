// ABOUTME: Property tests for the message log under random operation sequences
// ABOUTME: Checks the single outstanding turn and pairing rules after every step

package messagelog

import (
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// applyOp runs one store operation chosen by op against the session. The
// last placeholder handle is threaded through like the orchestrator does.
func applyOp(s *Store, op int, last *Turn, nextID *int) {
	switch op {
	case 0, 1:
		*last = s.AppendUserTurn(testSession, "q", testPlaceholder)
	case 2:
		s.ResolveTurn(last.Reply, "chunk", true)
	case 3:
		s.ResolveTurn(last.Reply, "done", false)
	case 4:
		if idx := s.Index(last.User); idx >= 0 {
			*nextID++
			_ = s.AttachServerID(testSession, idx, ServerID(strconv.Itoa(*nextID)))
		}
	case 5:
		s.DeleteTurn(testSession, ServerID(strconv.Itoa(*nextID)))
	case 6:
		s.TruncateAfter(testSession, ServerID(strconv.Itoa(*nextID)))
	case 7:
		if t, err := s.RewriteTurn(testSession, ServerID(strconv.Itoa(*nextID)), "edited", testPlaceholder); err == nil {
			*last = t
		}
	case 8:
		s.ClearLifecycle(last.Reply)
	case 9:
		s.RollbackTurn(*last)
	}
}

func TestSingleOutstandingTurnProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("no sequence of operations leaves two flagged messages", prop.ForAll(
		func(ops []int) bool {
			s := NewStore()
			var last Turn
			nextID := 0
			for _, op := range ops {
				applyOp(s, op, &last, &nextID)
				if err := s.Validate(testSession); err != nil {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 9)),
	))

	properties.TestingRun(t)
}

func TestDeleteTurnRemovesTwoProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("deleting a stored turn removes exactly its pair", prop.ForAll(
		func(k int, pick int) bool {
			s := NewStore()
			records := make([]Record, k)
			for i := range records {
				records[i] = Record{ID: ServerID(strconv.Itoa(i + 1)), User: "u", Assistant: "a"}
			}
			s.ReplaceSession(testSession, ExpandHistory(records, "hi"))
			before := s.Len(testSession)

			target := ServerID(strconv.Itoa(pick%k + 1))
			if !s.DeleteTurn(testSession, target) {
				return false
			}
			if s.Len(testSession) != before-2 {
				return false
			}
			// Second delete of the same id changes nothing
			return !s.DeleteTurn(testSession, target) && s.Len(testSession) == before-2
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

func TestExpandHistoryLengthProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("K records expand to 2K entries plus an optional greeting", prop.ForAll(
		func(k int, greet bool) bool {
			records := make([]Record, k)
			greeting := ""
			if greet {
				greeting = "hello"
			}
			got := len(ExpandHistory(records, greeting))
			if greet {
				return got == 1+2*k
			}
			return got == 2*k
		},
		gen.IntRange(0, 50),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
