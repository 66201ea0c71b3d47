package grounded

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerify(t *testing.T) {
	passages := []string{
		"Raja ne kaha, main Chessland ka King hoon, sab mujhe K bulate hain.",
		"राजा सिर्फ एक कदम चलता है।",
		"The pawn_king is not a real piece. Rook-like moves (straight) are fun!",
		"Main hoon Chessland ka King — K... aur yeh -- mera ghar hai.",
	}
	tests := []struct {
		answer string
		want   bool
	}{
		{"K", true},
		{"k", true},
		{"\"K\".", true},
		{"king", true},
		{"KING HOON", true},
		{"Kin", false},
		{"Chess", false},
		{"राजा", true},
		{"कदम", true},
		{"कद", false},
		{"pawn", false},
		{"Rook", true},
		{"(straight)", true},
		{"Bishop", false},
		{"", false},
		{"  ", false},
		{"—", false},
		{"--", false},
		{"...", false},
		{"…", false},
		{"— K", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Verify(tt.answer, passages), "answer %q", tt.answer)
	}
}

func TestVerify_NoPassages(t *testing.T) {
	assert.False(t, Verify("K", nil))
}

func TestEvidenceSentence(t *testing.T) {
	passages := []string{
		"Board ne bataya. Queen kahin bhi ja sakti hai!",
		"Pyada aage chalta hai.\nRaja ek kadam chalta hai.",
	}
	assert.Equal(t, "Queen kahin bhi ja sakti hai!", EvidenceSentence("queen", passages))
	assert.Equal(t, "Raja ek kadam chalta hai.", EvidenceSentence("Raja", passages))
	assert.Empty(t, EvidenceSentence("bishop", passages))
	assert.Empty(t, EvidenceSentence("!", passages))
}

func TestCleanAnswer(t *testing.T) {
	assert.Equal(t, "Ek step", CleanAnswer("  \"Ek step.\"  "))
	assert.Equal(t, "King", CleanAnswer("**King**\nBecause the story says so"))
	assert.Equal(t, "राजा", CleanAnswer("राजा।"))
}
