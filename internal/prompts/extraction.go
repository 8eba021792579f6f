package prompts

import "fmt"

// memoryExtractionTemplate is the prompt sent to an LLM to pull durable
// facts and proactive triggers out of a single interaction. The two
// format verbs are the user's message and optional prior assistant
// context (used to resolve contextual references like "that's my
// office").
const memoryExtractionTemplate = `Extract durable facts and proactive triggers from this message.

Rules for facts:
- Extract only concrete, durable facts — not small talk or device commands.
- subject is either the literal constant "user" or a specific person's name.
- A relationship fact phrased as "My <relation> is <name>" always has
  subject "user" (e.g. "My sister is Jamie" -> subject "user", content
  "has a sister named Jamie"). A separate attribute fact about that person
  ("Jamie works at a hospital") has subject "<name>" ("Jamie").
- Split compound utterances into multiple facts — one fact per atomic
  statement.
- category is one of: personal, work, project, location, general,
  preference, relationship.
- importance is 1-10, confidence is 0.0-1.0.

Rules for triggers:
- A trigger is a proactive thing to check on or remind about later, not a
  fact to remember.
- type is one of: reminder, event_prep, commitment_check, goal_checkin,
  follow_up.
- trigger_time is a natural-language time phrase in the user's own words
  ("in 20 minutes", "at 14:30", "every day at 7:00", "every weekday at
  9:00", "every Monday at 8:00").
- recurring_pattern restates the recurrence if any, else empty.

Return JSON only, this exact shape:
{"facts": [{"subject": "user", "category": "preference", "content": "...", "confidence": 0.9, "importance": 5}],
 "triggers": [{"type": "reminder", "description": "...", "trigger_time": "...", "context": "...", "guidance": "...", "recurring_pattern": ""}]}

If nothing is worth remembering or scheduling, return {"facts": [], "triggers": []}.

Prior assistant context:
%s

Message:
%s

JSON:`

// MemoryExtractionPrompt returns the fully interpolated extraction prompt
// for a single interaction.
func MemoryExtractionPrompt(userMessage, assistantContext string) string {
	return fmt.Sprintf(memoryExtractionTemplate, assistantContext, userMessage)
}
