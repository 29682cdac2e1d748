package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindUserConfig(t *testing.T) {
	t.Setenv("UPSIP_CONFIG", "")
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "none", args: []string{"server"}, want: ""},
		{name: "equals form", args: []string{"--config=/tmp/a.yaml", "server"}, want: "/tmp/a.yaml"},
		{name: "separate value", args: []string{"server", "--config", "b.toml"}, want: "b.toml"},
		{name: "dangling flag", args: []string{"--config"}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, findUserConfig(tt.args))
		})
	}

	t.Setenv("UPSIP_CONFIG", "/etc/upsip/custom.json")
	assert.Equal(t, "/etc/upsip/custom.json", findUserConfig(nil))
}
