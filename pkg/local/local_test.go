package local

import "testing"

func TestTextSet(t *testing.T) {
	set := NewSet("limit is %d per %s", NewTrans(Rus, "лимит %d за %s"))

	if got := set.Format(Eng, 60, "minute"); got != "limit is 60 per minute" {
		t.Errorf("Format(Eng) = %q", got)
	}
	if got := set.Format(Rus, 60, "минуту"); got != "лимит 60 за минуту" {
		t.Errorf("Format(Rus) = %q", got)
	}
	if got := set.DefaultFormat(1, "s"); got != "limit is 1 per s" {
		t.Errorf("DefaultFormat() = %q", got)
	}
	if got := set.Text(Language("de")); got != set.Default {
		t.Errorf("Text(de) = %q, want default", got)
	}
}

func TestFromAcceptLanguage(t *testing.T) {
	tests := []struct {
		header string
		want   Language
	}{
		{header: "", want: Eng},
		{header: "ru-RU,ru;q=0.9,en;q=0.8", want: Rus},
		{header: "de-DE, en;q=0.5", want: Eng},
		{header: "RU", want: Rus},
		{header: "fr", want: Eng},
	}
	for _, tt := range tests {
		if got := FromAcceptLanguage(tt.header); got != tt.want {
			t.Errorf("FromAcceptLanguage(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
