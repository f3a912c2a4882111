package thesis

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// History is an ordered conversation. Methods never modify the receiver.
type History []Turn

// Append returns a new history with turns added at the end.
func (h History) Append(turns ...Turn) History {
	out := make(History, 0, len(h)+len(turns))
	out = append(out, h...)
	return append(out, turns...)
}

// Last returns a copy of the trailing n turns.
func (h History) Last(n int) History {
	if n <= 0 {
		return History{}
	}
	if n > len(h) {
		n = len(h)
	}
	out := make(History, n)
	copy(out, h[len(h)-n:])
	return out
}

// ChatResult is the outcome of one chat exchange.
type ChatResult struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
	History History  `json:"history"`
}
