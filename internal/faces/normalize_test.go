package faces

import "testing"

func TestRemoveDiacritics(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Jiří", "Jiri"},
		{"Novák", "Novak"},
		{"plain", "plain"},
		{"", ""},
		{"Čeněk Řehoř", "Cenek Rehor"},
	}

	for _, tt := range tests {
		if got := RemoveDiacritics(tt.input); got != tt.want {
			t.Errorf("RemoveDiacritics(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestNormalizePersonName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Jan Novák", "jan novak"},
		{"jan-novak", "jan novak"},
		{"  Jan Novák ", "jan novak"},
		{"MARIE", "marie"},
	}

	for _, tt := range tests {
		if got := NormalizePersonName(tt.input); got != tt.want {
			t.Errorf("NormalizePersonName(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestNormalizePersonName_SlugMatchesDisplay(t *testing.T) {
	if NormalizePersonName("jan-novak") != NormalizePersonName("Jan Novák") {
		t.Error("slug and display forms should normalize identically")
	}
}
