package helpers

import "testing"

func TestPlainText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "strips tags and scripts", in: `<p>Shelling near <b>Donetsk</b><script>alert('x')</script></p>`, want: "Shelling near Donetsk"},
		{name: "decodes entities", in: "Israel &amp; Lebanon talks", want: "Israel & Lebanon talks"},
		{name: "collapses whitespace", in: "  multiple \n\t spaces  ", want: "multiple spaces"},
		{name: "empty", in: "   ", want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := PlainText(tt.in); got != tt.want {
				t.Fatalf("PlainText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
