package resp

import (
	"bytes"
	"testing"
)

func TestEncodeRequest(t *testing.T) {
	cases := []struct {
		name string
		req  []string
		want string
	}{
		{
			name: "single command",
			req:  []string{"noop"},
			want: "*1\r\n$4\r\nnoop\r\n",
		},
		{
			name: "command with arguments",
			req:  []string{"del", "foo.com"},
			want: "*2\r\n$3\r\ndel\r\n$7\r\nfoo.com\r\n",
		},
		{
			name: "empty argument",
			req:  []string{"add", ""},
			want: "*2\r\n$3\r\nadd\r\n$0\r\n\r\n",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := NewEncoder(&buf).Encode(c.req); err != nil {
				t.Fatalf("Encode(%v) = %v", c.req, err)
			}
			if got := buf.String(); got != c.want {
				t.Errorf("Encode(%v) wrote %q, want %q", c.req, got, c.want)
			}
		})
	}
}

func TestEncodeEmptyRequest(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(nil); err != ErrInvalidRequest {
		t.Errorf("Encode(nil) = %v, want ErrInvalidRequest", err)
	}
}
