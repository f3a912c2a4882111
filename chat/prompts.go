package chat

import (
	"fmt"
	"strings"

	"github.com/fabfab/thesis-rag/thesis"
)

// NoResultsAnswer is returned when nothing in the collection matches the message.
const NoResultsAnswer = "I couldn't find any theses in the collection that relate to your question. " +
	"Try rephrasing it, or ask about another research topic."

const maxPromptTurnChars = 500

func systemPrompt() string {
	return "You are a research assistant for a collection of academic theses. " +
		"Answer only from the numbered theses in the supplied context and cite them by number in brackets, for example [1] or [2][3]. " +
		"If the context does not contain enough information, say so politely instead of guessing. " +
		"Keep a friendly, conversational tone."
}

// buildContextPrompt numbers documents in ranked order; the numbers are what the
// answer cites.
func buildContextPrompt(docs []thesis.ScoredDocument) string {
	var sb strings.Builder
	for i, doc := range docs {
		sb.WriteString(fmt.Sprintf("[%d] Title: %s\n", i+1, doc.Title))
		if len(doc.Tags) > 0 {
			sb.WriteString("Tags: " + strings.Join(doc.Tags, ", ") + "\n")
		}
		sb.WriteString("Abstract: " + strings.TrimSpace(doc.Abstract) + "\n\n")
	}
	return sb.String()
}

func formatUserPrompt(question, context string) string {
	var sb strings.Builder
	sb.WriteString("Context:\n")
	sb.WriteString(context)
	sb.WriteString("Question:\n")
	sb.WriteString(question)
	sb.WriteString("\n\nAnswer using only the context above and cite the thesis numbers you rely on.")
	return sb.String()
}

func rewriteSystemPrompt() string {
	return "You turn chat messages into standalone search queries for a collection of academic theses.\n" +
		"- Use the conversation to resolve pronouns and references.\n" +
		"- Expand acronyms and abbreviations (for example \"NLP\" becomes \"natural language processing\").\n" +
		"- Add common academic synonyms for the main concepts.\n" +
		"- Keep the key technical terms and drop greetings or filler.\n" +
		"- Keep the query to one or two short sentences or phrases.\n" +
		"Reply with the query only, without quotes or explanation."
}

func formatRewritePrompt(utterance string, recent thesis.History) string {
	var sb strings.Builder
	if len(recent) > 0 {
		sb.WriteString("Conversation so far:\n")
		for _, turn := range recent {
			label := "User"
			if turn.Role == thesis.RoleAssistant {
				label = "Assistant"
			}
			sb.WriteString(fmt.Sprintf("%s: %s\n", label, truncate(turn.Content, maxPromptTurnChars)))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Message: ")
	sb.WriteString(utterance)
	sb.WriteString("\n\nSearch query:")
	return sb.String()
}

func summaryPrompt(doc thesis.Document) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following thesis in two or three plain sentences for a general audience.\n\n")
	sb.WriteString("Title: " + doc.Title + "\n")
	if len(doc.Tags) > 0 {
		sb.WriteString("Tags: " + strings.Join(doc.Tags, ", ") + "\n")
	}
	sb.WriteString("Abstract: " + strings.TrimSpace(doc.Abstract) + "\n")
	return sb.String()
}

var suggestionTemplates = []string{
	"What research has been done on %s?",
	"Which theses explore %s?",
	"What are the main findings about %s?",
	"How is %s applied in practice?",
}

var genericSuggestions = []string{
	"What topics are covered in the thesis collection?",
	"Which theses discuss machine learning?",
	"What are the most recent research findings?",
	"Can you recommend a thesis on sustainability?",
}

func truncate(s string, max int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max]) + "..."
}
