package responder

import (
	"fmt"
	"strings"

	"github.com/szaher/council/internal/council"
)

// buildSystem frames the deliberation for one participant: who they
// are, what the council is discussing, and who else is at the table.
// The participant's own system prompt, if any, comes last so it can
// override the framing.
func (r *LLMResponder) buildSystem(req *Request) string {
	var b strings.Builder
	p := req.Participant

	fmt.Fprintf(&b, "You are %s", p.Name)
	if p.Role != "" {
		fmt.Fprintf(&b, ", the %s,", p.Role)
	}
	fmt.Fprintf(&b, " in a council deliberating on: %s\n\n", req.Session.Topic)

	b.WriteString("The council members are:\n")
	for _, member := range req.Session.Participants {
		if member.Role != "" {
			fmt.Fprintf(&b, "- %s (%s)\n", member.Name, member.Role)
		} else {
			fmt.Fprintf(&b, "- %s\n", member.Name)
		}
	}
	b.WriteString("\nSpeak in your own voice. Build on or challenge what the others have said; do not repeat the transcript back.")

	if p.SystemPrompt != "" {
		b.WriteString("\n\n")
		b.WriteString(p.SystemPrompt)
	}
	return b.String()
}

// renderTranscript flattens prior rounds into labeled text. Every
// participant sees the same transcript; only the system framing
// differs.
func (r *LLMResponder) renderTranscript(req *Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", req.Session.Topic)

	rounds := req.Rounds
	if r.window > 0 && len(rounds) > r.window {
		fmt.Fprintf(&b, "\n(%d earlier rounds omitted)\n", len(rounds)-r.window)
		rounds = rounds[len(rounds)-r.window:]
	}

	for _, round := range rounds {
		fmt.Fprintf(&b, "\nRound %d:\n", round.RoundNumber)
		if round.HumanMessage != "" {
			fmt.Fprintf(&b, "[Human interjection] %s\n", round.HumanMessage)
		}
		for _, msg := range round.Messages {
			fmt.Fprintf(&b, "%s: %s\n", r.speakerName(req.Session, msg.AgentID), msg.Content)
		}
		for _, f := range round.Failures {
			fmt.Fprintf(&b, "(%s did not respond this round)\n", r.speakerName(req.Session, f.AgentID))
		}
	}

	if req.HumanMessage != "" {
		fmt.Fprintf(&b, "\n[Human interjection] %s\n", req.HumanMessage)
	}
	fmt.Fprintf(&b, "\nIt is now round %d of %d. Give your contribution as %s.",
		req.RoundNumber, req.Session.MaxRounds, req.Participant.Name)
	return b.String()
}

func (r *LLMResponder) speakerName(sess *council.Session, agentID string) string {
	if p := sess.Participant(agentID); p != nil && p.Name != "" {
		return p.Name
	}
	return agentID
}
