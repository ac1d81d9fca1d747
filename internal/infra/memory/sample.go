package memory

import "study-game-service/internal/domain"

// SampleDeckID is the document id of the built-in demo deck.
const SampleDeckID = "sample"

// SampleDeck is a small deck with content for every game type, used for demos and tests.
func SampleDeck() domain.Deck {
	return domain.Deck{
		ID:   SampleDeckID,
		Name: "General science",
		Questions: []domain.Question{
			{ID: "q1", Prompt: "What is the chemical symbol for water?", Options: []string{"O2", "H2O", "CO2", "NaCl"}, CorrectIndex: 1},
			{ID: "q2", Prompt: "Which planet is closest to the sun?", Options: []string{"Venus", "Earth", "Mercury", "Mars"}, CorrectIndex: 2},
			{ID: "q3", Prompt: "What gas do plants absorb?", Options: []string{"Carbon dioxide", "Oxygen", "Nitrogen"}, CorrectIndex: 0},
			{ID: "q4", Prompt: "How many bones are in the adult human body?", Options: []string{"106", "206", "306"}, CorrectIndex: 1},
			{ID: "q5", Prompt: "What is the speed of light, roughly?", Options: []string{"300 km/s", "300,000 km/s", "3,000 km/s"}, CorrectIndex: 1},
		},
		Flashcards: []domain.Flashcard{
			{ID: "f1", Front: "Mitochondria", Back: "Produces most of the cell's ATP"},
			{ID: "f2", Front: "Photosynthesis", Back: "Light energy converted to chemical energy"},
			{ID: "f3", Front: "Osmosis", Back: "Water moving across a semi-permeable membrane"},
			{ID: "f4", Front: "Catalyst", Back: "Speeds up a reaction without being consumed"},
		},
		Pairs: []domain.Pair{
			{TermID: "t1", Term: "H2O", DefinitionID: "d1", Definition: "Water"},
			{TermID: "t2", Term: "NaCl", DefinitionID: "d2", Definition: "Table salt"},
			{TermID: "t3", Term: "CO2", DefinitionID: "d3", Definition: "Carbon dioxide"},
			{TermID: "t4", Term: "O2", DefinitionID: "d4", Definition: "Oxygen"},
			{TermID: "t5", Term: "Fe", DefinitionID: "d5", Definition: "Iron"},
			{TermID: "t6", Term: "Au", DefinitionID: "d6", Definition: "Gold"},
			{TermID: "t7", Term: "He", DefinitionID: "d7", Definition: "Helium"},
			{TermID: "t8", Term: "Na", DefinitionID: "d8", Definition: "Sodium"},
		},
	}
}
