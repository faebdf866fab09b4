package neo4j

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDrugFactString(t *testing.T) {
	tests := []struct {
		name string
		fact DrugFact
		want string
	}{
		{
			name: "full",
			fact: DrugFact{
				Name: "acepromazine", Category: "anesthetic/analgesic", Confirmed: true, HasDosage: true,
				Chunks: 4, FocusAreas: []string{"safety_information", "dosage_information"}, Related: []string{"meloxicam", "butorphanol"},
			},
			want: "acepromazine: anesthetic/analgesic, confirmed, dosage documented, cited in 4 chunks " +
				"(dosage_information, safety_information); same category: butorphanol, meloxicam",
		},
		{
			name: "bare",
			fact: DrugFact{Name: "zorbamycin", Chunks: 1},
			want: "zorbamycin: uncategorized, unconfirmed, cited in 1 chunks",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fact.String())
		})
	}
}

func TestAsStrings(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, asStrings([]any{"a", "", 3, "b"}))
	assert.Nil(t, asStrings("not a list"))
}
