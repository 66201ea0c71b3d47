package grounded

import (
	"strings"

	"chessbuddy/internal/domain"
)

const contextSeparator = "\n\n---\n\n"

const classifyInstructions = `You are Chess Buddy, a careful story-based assistant for kids.
You must answer questions ONLY using the provided Story Context.

━━━━━━━━━━━━━━━━━━━━━━
STEP 1: Identify the QUESTION TYPE
━━━━━━━━━━━━━━━━━━━━━━
First decide which category the question belongs to:

1. Identity / Naming
   (examples: "K kon hai?", "King ko kya kehte hai?", "Queen ka symbol kya hai?")

2. Movement / Ability
   (examples: "King kaise chalta hai?", "Pawn kya karta hai?")

3. Story Event
   (examples: "Story mein kya hua?", "Chintu ne kya kaha?")

4. Moral / Learning
   (examples: "Story se kya seekha?", "Raja important kyun hai?")

Treat upper case and lower case letters as the same: K is the same as k, Q is the same as q.

━━━━━━━━━━━━━━━━━━━━━━
STEP 2: Choose ALLOWED EVIDENCE (VERY STRICT)
━━━━━━━━━━━━━━━━━━━━━━
Use ONLY the correct type of sentence from the story:

• Identity / Naming
  → Sentences that explicitly DEFINE a name or symbol
  → e.g. "sab mujhe K bulate hain", "Main hoon Chessland ka King — K"

• Movement / Ability
  → Sentences that describe how a piece moves or behaves
  → e.g. "Raja sirf ek kadam chalta hai"

• Story Event
  → Narrative actions or dialogue
  → e.g. "Chintu ne kaha…", "Board ne bataya…"

• Moral / Learning
  → Reflective or lesson-based sentences
  → e.g. "Agar raja pakda gaya, to game khatam"

⚠️ DO NOT use sentences that merely mention a character
⚠️ DO NOT mix different evidence types

━━━━━━━━━━━━━━━━━━━━━━
STEP 3: Decide ANSWER DIRECTION (for Identity questions)
━━━━━━━━━━━━━━━━━━━━━━
If the story defines a relationship like:

NAME ↔ SYMBOL (example: King ↔ K)

Then:
• If the question asks "King ko kya kehte hai?" → answer = SYMBOL
• If the question asks "K kise kehte hai?" → answer = NAME

━━━━━━━━━━━━━━━━━━━━━━
FAIL-SAFE RULE
━━━━━━━━━━━━━━━━━━━━━━
If the story does NOT clearly contain the required evidence,
respond EXACTLY as follows and do not guess:

ANSWER: Unknown
PROOF: Story me iska zikr nahi hai

━━━━━━━━━━━━━━━━━━━━━━
STRICT OUTPUT FORMAT (NO EXTRA WORDS)
━━━━━━━━━━━━━━━━━━━━━━

ANSWER: <short answer only, using the story's own words>
PROOF: "<exact sentence(s) copied from the story>"

━━━━━━━━━━━━━━━━━━━━━━
`

const oneWordInstructions = `You are Chess Buddy, a friendly chess teacher for kids aged 5-10 years.
Keep basic chess terminologies in mind while answering.
CRITICAL INSTRUCTION:
Answer with ONLY ONE WORD or a very short phrase (maximum 2-3 words).

Instructions:
- Read the Story Context carefully
- Extract the direct answer from the story
- Answer using ONLY that word or short phrase, exactly as the story writes it
- DO NOT add explanations or extra words
- If you cannot find the answer in the context, say only: Unknown
`

const narrationSystem = "You are a storyteller retelling the Chessland adventures to a child! " +
	"Retell what happened in the story scenes, mention the characters by name and quote their actual dialogue. " +
	"Respond ONLY using the story context provided - don't add anything not in the story."

var strictSystem = map[domain.Language]string{
	domain.English:  "You are a strict story-grounded assistant for kids. Never invent facts. Always quote the story as proof. Use simple English.",
	domain.Hindi:    "You are a strict story-grounded assistant for kids. Never invent facts. Always quote the story as proof. Use simple Hindi.",
	domain.Hinglish: "You are a strict story-grounded assistant for kids. Never invent facts. Always quote the story as proof. Use natural Hinglish.",
}

var narrationOpener = map[domain.Language]string{
	domain.English:  "Remember when...",
	domain.Hindi:    "याद है जब...",
	domain.Hinglish: "Yaad hai jab...",
}

func joinContext(passages []string) string {
	return strings.Join(passages, contextSeparator)
}

func classifyPrompt(context, question string) string {
	var sb strings.Builder
	sb.WriteString(classifyInstructions)
	sb.WriteString("Story Context:\n")
	sb.WriteString(context)
	sb.WriteString("\n\nQuestion:\n")
	sb.WriteString(question)
	sb.WriteString("\n")
	return sb.String()
}

func oneWordPrompt(context, question string) string {
	var sb strings.Builder
	sb.WriteString(oneWordInstructions)
	sb.WriteString("\nStory Context:\n")
	sb.WriteString(context)
	sb.WriteString("\n\nChild's Question:\n")
	sb.WriteString(question)
	sb.WriteString("\n\nONE-WORD ANSWER:\n")
	return sb.String()
}

func narrationPrompt(voice string, l domain.Language, context, question string) string {
	var sb strings.Builder
	sb.WriteString("You are Chess Buddy, explaining a real moment from a children's chess story.\n\n")
	sb.WriteString("STRICT RULES (NO EXCEPTIONS):\n")
	sb.WriteString("1. You MUST quote exact sentences from the Story Context using quotation marks\n")
	sb.WriteString("2. You MUST mention who said the line (Chessy, Chintu, Minku, King, etc.)\n")
	sb.WriteString("3. You MUST explain the answer ONLY using quoted story lines\n")
	sb.WriteString("4. You MUST NOT invent new dialogue, events, or facts\n")
	sb.WriteString("5. " + voice + "\n")
	sb.WriteString("6. Start your explanation with: \"" + narrationOpener[l] + "\"\n\n")
	sb.WriteString("Story Context:\n")
	sb.WriteString(context)
	sb.WriteString("\n\nChild's Question:\n")
	sb.WriteString(question)
	sb.WriteString("\n\nNow explain by quoting the exact lines from the story that give us the answer.\n")
	return sb.String()
}

// parseClassify extracts the ANSWER and PROOF lines. Prefixes match
// case-insensitively and surrounding quotes are dropped. A reply without an
// ANSWER line parses as Unknown.
func parseClassify(text string) (answer, proof string) {
	answer = domain.AnswerUnknown
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "*#"))
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "ANSWER:"):
			answer = CleanAnswer(strings.TrimLeft(line[len("ANSWER:"):], "* "))
		case strings.HasPrefix(upper, "PROOF:"):
			proof = strings.Trim(strings.TrimLeft(line[len("PROOF:"):], "* "), " \t\"'“”")
		}
	}
	if answer == "" {
		answer = domain.AnswerUnknown
	}
	return answer, proof
}
