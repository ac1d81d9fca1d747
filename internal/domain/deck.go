package domain

// PairsPerPool is how many pairs are contested in one speed-match round.
const PairsPerPool = 4

// Deck is study content produced by the content-generation collaborator.
type Deck struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Questions  []Question  `json:"questions,omitempty"`
	Flashcards []Flashcard `json:"flashcards,omitempty"`
	Pairs      []Pair      `json:"pairs,omitempty"`
}

// Rounds builds up to count round payloads for the variant, without timing.
// Sequence numbers start at 0.
func (d Deck) Rounds(kind GameType, count int) []Round {
	var rounds []Round
	switch kind {
	case GameQuiz:
		for i, q := range d.Questions {
			if i >= count {
				break
			}
			q := q
			rounds = append(rounds, Round{Seq: i, Kind: kind, Question: &q})
		}
	case GameFlashcard:
		for i, f := range d.Flashcards {
			if i >= count {
				break
			}
			f := f
			rounds = append(rounds, Round{Seq: i, Kind: kind, Flashcard: &f})
		}
	case GameSpeedMatch:
		for start := 0; start < len(d.Pairs) && len(rounds) < count; start += PairsPerPool {
			end := start + PairsPerPool
			if end > len(d.Pairs) {
				end = len(d.Pairs)
			}
			pool := &PairPool{Pairs: append([]Pair(nil), d.Pairs[start:end]...)}
			rounds = append(rounds, Round{Seq: len(rounds), Kind: kind, Pool: pool})
		}
	}
	return rounds
}
