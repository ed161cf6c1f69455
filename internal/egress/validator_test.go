package egress

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"soundpress/internal/config"
)

func stubLookup(addrs ...string) func(context.Context, string) ([]netip.Addr, error) {
	return func(context.Context, string) ([]netip.Addr, error) {
		parsed := make([]netip.Addr, 0, len(addrs))
		for _, a := range addrs {
			parsed = append(parsed, netip.MustParseAddr(a))
		}
		return parsed, nil
	}
}

func TestValidateURLPolicy(t *testing.T) {
	cases := []struct {
		name    string
		url     string
		resolve []string
		wantErr error
	}{
		{name: "public https", url: "https://storage.example.com/bucket/a", resolve: []string{"93.184.216.34"}},
		{name: "http disabled", url: "http://storage.example.com/bucket/a", wantErr: ErrScheme},
		{name: "ftp scheme", url: "ftp://storage.example.com/a", wantErr: ErrScheme},
		{name: "loopback literal", url: "https://127.0.0.1/x", wantErr: ErrPrivateAddress},
		{name: "private literal", url: "https://10.0.0.5/x", wantErr: ErrPrivateAddress},
		{name: "rfc1918 172 range", url: "https://172.16.3.9/x", wantErr: ErrPrivateAddress},
		{name: "link-local literal", url: "https://169.254.169.254/latest/meta-data", wantErr: ErrPrivateAddress},
		{name: "ipv6 loopback", url: "https://[::1]/x", wantErr: ErrPrivateAddress},
		{name: "unspecified", url: "https://0.0.0.0/x", wantErr: ErrPrivateAddress},
		{name: "hostname resolving private", url: "https://internal.example.com/x", resolve: []string{"192.168.1.4"}, wantErr: ErrPrivateAddress},
		{name: "hostname resolving mixed", url: "https://mixed.example.com/x", resolve: []string{"93.184.216.34", "10.1.2.3"}, wantErr: ErrPrivateAddress},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := New(config.Egress{})
			if len(tc.resolve) > 0 {
				v.lookup = stubLookup(tc.resolve...)
			}
			err := v.Validate(context.Background(), tc.url)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate(%q) = %v, want nil", tc.url, err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Validate(%q) = %v, want %v", tc.url, err, tc.wantErr)
			}
		})
	}
}

func TestValidateRelaxedPolicy(t *testing.T) {
	v := New(config.Egress{AllowHTTP: true, AllowPrivateIPs: true})
	for _, raw := range []string{
		"http://127.0.0.1:8080/upload",
		"https://10.0.0.5/x",
	} {
		if err := v.Validate(context.Background(), raw); err != nil {
			t.Fatalf("Validate(%q) with relaxed policy = %v", raw, err)
		}
	}
}

func TestDialControlBlocksRebindingAnswer(t *testing.T) {
	v := New(config.Egress{})
	if err := v.DialControl("tcp4", "10.0.0.5:443", nil); !errors.Is(err, ErrPrivateAddress) {
		t.Fatalf("DialControl private = %v, want ErrPrivateAddress", err)
	}
	if err := v.DialControl("tcp4", "93.184.216.34:443", nil); err != nil {
		t.Fatalf("DialControl public = %v, want nil", err)
	}
}
