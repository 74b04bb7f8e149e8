package security

import (
	"strings"
	"testing"
)

func TestStrip_RemovesAllTags(t *testing.T) {
	sanitizer := NewTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "基本タグ",
			input: "<p>Black Lotus</p>",
			want:  "Black Lotus",
		},
		{
			name:  "ネストしたタグ",
			input: "<div><b>Near</b> <i>Mint</i></div>",
			want:  "Near Mint",
		},
		{
			name:  "リンク",
			input: `<a href="https://example.com">出品ページ</a>`,
			want:  "出品ページ",
		},
		{
			name:  "画像タグは本文なし",
			input: `before<img src="https://example.com/card.jpg">after`,
			want:  "beforeafter",
		},
		{
			name:  "タグなしテキストはそのまま",
			input: "Lightning Bolt deals 3 damage",
			want:  "Lightning Bolt deals 3 damage",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizer.Strip(tt.input); got != tt.want {
				t.Errorf("Strip(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestStrip_RemovesScriptContent(t *testing.T) {
	sanitizer := NewTextSanitizer()

	tests := []string{
		`<script>alert("xss")</script>`,
		`<p onclick="steal()">text</p>`,
		`<img src="x" onerror="alert(1)">`,
		`<iframe src="https://evil.example.com"></iframe>`,
	}

	for _, input := range tests {
		got := sanitizer.Strip(input)
		for _, forbidden := range []string{"<script", "onclick", "onerror", "<iframe", "alert("} {
			if strings.Contains(got, forbidden) {
				t.Errorf("Strip(%q) = %q, %qが残っている", input, got, forbidden)
			}
		}
	}
}

func TestStrip_UnescapesEntities(t *testing.T) {
	sanitizer := NewTextSanitizer()

	got := sanitizer.Strip("<p>Sword &amp; Shield</p>")
	if got != "Sword & Shield" {
		t.Errorf("Strip = %q, want %q", got, "Sword & Shield")
	}
}

func TestStrip_TrimsWhitespace(t *testing.T) {
	sanitizer := NewTextSanitizer()

	got := sanitizer.Strip("  <p> padded </p>  ")
	if got != "padded" {
		t.Errorf("Strip = %q, want %q", got, "padded")
	}
}

func TestStrip_EmptyInput(t *testing.T) {
	sanitizer := NewTextSanitizer()

	if got := sanitizer.Strip(""); got != "" {
		t.Errorf("Strip(\"\") = %q, want 空文字列", got)
	}
}

func TestStrip_Idempotent(t *testing.T) {
	sanitizer := NewTextSanitizer()

	input := `<div>Foil <b>Japanese</b> &amp; signed</div>`
	first := sanitizer.Strip(input)
	second := sanitizer.Strip(first)

	if first != second {
		t.Errorf("冪等性が破れている: 1回目=%q 2回目=%q", first, second)
	}
}

func TestStrip_MultilineDescription(t *testing.T) {
	sanitizer := NewTextSanitizer()

	input := `<h1>出品情報</h1>
<p>状態: <b>NM</b></p>
<script>document.cookie</script>
<p>即日発送</p>`

	got := sanitizer.Strip(input)
	for _, want := range []string{"出品情報", "NM", "即日発送"} {
		if !strings.Contains(got, want) {
			t.Errorf("Strip = %q, %qが含まれていない", got, want)
		}
	}
	if strings.Contains(got, "document.cookie") {
		t.Errorf("Strip = %q, スクリプト本文が残っている", got)
	}
}
