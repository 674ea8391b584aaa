package commands

import "testing"

func TestSplitCSVIgnoresEmptyInput(t *testing.T) {
	if got := splitCSV(""); got != nil {
		t.Fatalf("splitCSV(\"\") = %v, want nil", got)
	}
	got := splitCSV("eip155:1,eip155:137")
	want := []string{"eip155:1", "eip155:137"}
	if len(got) != len(want) {
		t.Fatalf("splitCSV length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("splitCSV[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestJoinRestRejoinsWithSingleSpaces(t *testing.T) {
	got := joinRest([]string{`{"foo":`, `1}`})
	want := `{"foo": 1}`
	if got != want {
		t.Fatalf("joinRest = %q, want %q", got, want)
	}
}

func TestParseIndexRejectsNonNumeric(t *testing.T) {
	if _, err := parseIndex("abc"); err == nil {
		t.Fatal("parseIndex(\"abc\") should have failed")
	}
	idx, err := parseIndex("3")
	if err != nil || idx != 3 {
		t.Fatalf("parseIndex(\"3\") = (%d, %v), want (3, nil)", idx, err)
	}
}
