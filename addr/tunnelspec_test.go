package addr

import "testing"

func TestParseTunnelSpec(t *testing.T) {
	cases := []struct {
		in      string
		want    TunnelSpec
		wantErr bool
	}{
		{in: "foo.com:localhost:1337", want: TunnelSpec{Domain: "foo.com", Host: "localhost", Port: 1337}},
		{in: "foo.com:10.0.1.2:1234", want: TunnelSpec{Domain: "foo.com", Host: "10.0.1.2", Port: 1234}},
		{in: "foo.com:localhost", wantErr: true},
		{in: ":localhost:1337", wantErr: true},
		{in: "foo.com::1337", wantErr: true},
		{in: "foo.com:localhost:notaport", wantErr: true},
		{in: "foo.com:localhost:0", wantErr: true},
		{in: "foo.com:localhost:70000", wantErr: true},
	}

	for _, c := range cases {
		got, err := ParseTunnelSpec(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseTunnelSpec(%q): want error, got nil", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTunnelSpec(%q): want nil, got %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseTunnelSpec(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}
