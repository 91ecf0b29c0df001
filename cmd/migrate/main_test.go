package main

import (
	"strings"
	"testing"
)

func TestParseArgs(t *testing.T) {
	cases := []struct {
		name    string
		args    []string
		command string
		steps   int
		wantErr string
	}{
		{name: "up", args: []string{"-database", "postgres://db/herald", "up"}, command: "up"},
		{name: "down default", args: []string{"-database", "postgres://db/herald", "down"}, command: "down", steps: 1},
		{name: "down steps", args: []string{"-database", "postgres://db/herald", "down", "3"}, command: "down", steps: 3},
		{name: "missing dsn", args: []string{"-database", " ", "up"}, wantErr: "-database flag is required"},
		{name: "missing command", args: []string{"-database", "postgres://db/herald"}, wantErr: "command required"},
		{name: "bad steps", args: []string{"-database", "postgres://db/herald", "down", "zero"}, wantErr: "invalid down steps"},
		{name: "unknown command", args: []string{"-database", "postgres://db/herald", "sideways"}, wantErr: "unknown command"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts, err := parseArgs(tc.args)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseArgs: %v", err)
			}
			if opts.command != tc.command || opts.steps != tc.steps {
				t.Fatalf("unexpected options %+v", opts)
			}
			if opts.dir != "" {
				t.Fatalf("expected embedded migrations by default, got %q", opts.dir)
			}
		})
	}
}
