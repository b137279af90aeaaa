package scripture_test

import (
	"errors"
	"testing"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
)

func TestBooks_Catalog(t *testing.T) {
	t.Parallel()

	bs := scripture.Books()
	if len(bs) != 66 {
		t.Fatalf("len(Books()) = %d, want 66", len(bs))
	}
	var ot, nt int
	for _, b := range bs {
		if b.Chapters <= 0 {
			t.Errorf("%s: chapters = %d", b.Name, b.Chapters)
		}
		if b.Testament == scripture.OldTestament {
			ot++
		} else {
			nt++
		}
	}
	if ot != 39 || nt != 27 {
		t.Errorf("testament split = %d/%d, want 39/27", ot, nt)
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"romans", "Romans", true},
		{"Psalm", "Psalms", true},
		{"first corinthians", "1 Corinthians", true},
		{"1st  Corinthians", "1 Corinthians", true},
		{"II Kings", "2 Kings", true},
		{"song of songs", "Song of Solomon", true},
		{"Revelations", "Revelation", true},
		{"rom", "", false},
		{"banana", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			b, ok := scripture.Lookup(tc.in)
			if ok != tc.ok {
				t.Fatalf("Lookup(%q) ok = %v, want %v", tc.in, ok, tc.ok)
			}
			if ok && b.Name != tc.want {
				t.Errorf("Lookup(%q) = %q, want %q", tc.in, b.Name, tc.want)
			}
		})
	}
}

func TestLookupWritten_Abbreviations(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"Rom":   "Romans",
		"1 Cor": "1 Corinthians",
		"1Cor":  "1 Corinthians",
		"Ps.":   "Psalms",
		"Jn":    "John",
	} {
		b, ok := scripture.LookupWritten(in)
		if !ok {
			t.Errorf("LookupWritten(%q): not found", in)
			continue
		}
		if b.Name != want {
			t.Errorf("LookupWritten(%q) = %q, want %q", in, b.Name, want)
		}
	}
}

func TestAmbiguousBooks(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"Job", "Mark", "Acts", "Ruth", "John", "James", "Jude", "Joel", "Amos", "Jonah", "Micah", "Titus", "Song of Solomon"} {
		b, ok := scripture.ByName(name)
		if !ok {
			t.Fatalf("ByName(%q): not found", name)
		}
		if !b.Ambiguous {
			t.Errorf("%s: Ambiguous = false, want true", name)
		}
	}
	if b, _ := scripture.ByName("1 John"); b.Ambiguous {
		t.Error("1 John should not be ambiguous")
	}
}

func TestReference_Formatting(t *testing.T) {
	t.Parallel()

	single := scripture.Reference{Book: "John", Chapter: 3, VerseStart: 16}
	if got := single.String(); got != "John 3:16" {
		t.Errorf("String() = %q", got)
	}
	if got := single.OSIS(); got != "John.3.16" {
		t.Errorf("OSIS() = %q", got)
	}

	rng := scripture.Reference{Book: "1 Corinthians", Chapter: 13, VerseStart: 4, VerseEnd: 7}
	if got := rng.String(); got != "1 Corinthians 13:4-7" {
		t.Errorf("String() = %q", got)
	}
	if got := rng.OSIS(); got != "1Cor.13.4-1Cor.13.7" {
		t.Errorf("OSIS() = %q", got)
	}
	if rng.Key() != (scripture.Key{Book: "1 Corinthians", Chapter: 13, Verse: 4}) {
		t.Errorf("Key() = %+v", rng.Key())
	}
}

func TestReference_Valid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ref  scripture.Reference
		want bool
	}{
		{scripture.Reference{Book: "Romans", Chapter: 8, VerseStart: 28}, true},
		{scripture.Reference{Book: "Romans", Chapter: 17, VerseStart: 1}, false},
		{scripture.Reference{Book: "Psalms", Chapter: 119, VerseStart: 176}, true},
		{scripture.Reference{Book: "Psalms", Chapter: 119, VerseStart: 177}, false},
		{scripture.Reference{Book: "John", Chapter: 3, VerseStart: 16, VerseEnd: 15}, false},
		{scripture.Reference{Book: "Hezekiah", Chapter: 1, VerseStart: 1}, false},
	}
	for _, tc := range tests {
		if got := tc.ref.Valid(); got != tc.want {
			t.Errorf("%v.Valid() = %v, want %v", tc.ref, got, tc.want)
		}
	}
}

func TestParseExplicit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want []scripture.Reference
	}{
		{
			name: "single",
			text: "Let's read Romans 8:28 together",
			want: []scripture.Reference{{Book: "Romans", Chapter: 8, VerseStart: 28}},
		},
		{
			name: "range and numbered book",
			text: "in 1 Corinthians 13:4-7 and John 3:16",
			want: []scripture.Reference{
				{Book: "1 Corinthians", Chapter: 13, VerseStart: 4, VerseEnd: 7},
				{Book: "John", Chapter: 3, VerseStart: 16},
			},
		},
		{
			name: "numbered book wins over bare",
			text: "1 John 4:8",
			want: []scripture.Reference{{Book: "1 John", Chapter: 4, VerseStart: 8}},
		},
		{
			name: "abbreviation",
			text: "see Rom. 12:2",
			want: []scripture.Reference{{Book: "Romans", Chapter: 12, VerseStart: 2}},
		},
		{
			name: "out of range chapter dropped",
			text: "Jude 5:1",
			want: nil,
		},
		{
			name: "no reference",
			text: "the weather is nice at 3:30",
			want: nil,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := scripture.ParseExplicit(tc.text)
			if len(got) != len(tc.want) {
				t.Fatalf("ParseExplicit(%q) returned %d matches, want %d: %+v", tc.text, len(got), len(tc.want), got)
			}
			for i := range got {
				if got[i].Reference != tc.want[i] {
					t.Errorf("match[%d] = %+v, want %+v", i, got[i].Reference, tc.want[i])
				}
			}
		})
	}
}

func TestParseReference(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]scripture.Reference{
		"John.3.16":          {Book: "John", Chapter: 3, VerseStart: 16},
		"Rom.8.28-Rom.8.30":  {Book: "Romans", Chapter: 8, VerseStart: 28, VerseEnd: 30},
		"Psalm 23:1":         {Book: "Psalms", Chapter: 23, VerseStart: 1},
		" Philippians 4:13 ": {Book: "Philippians", Chapter: 4, VerseStart: 13},
	} {
		got, err := scripture.ParseReference(in)
		if err != nil {
			t.Errorf("ParseReference(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseReference(%q) = %+v, want %+v", in, got, want)
		}
	}

	if _, err := scripture.ParseReference("nothing here"); !errors.Is(err, scripture.ErrNoReference) {
		t.Errorf("ParseReference(garbage) err = %v, want ErrNoReference", err)
	}
}
