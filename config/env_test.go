package config_test

import (
	"testing"

	"github.com/numbleroot/plume/config"
)

// Functions

// TestLoadEnv executes a black-box test on the
// implemented functionalities to load environment values.
func TestLoadEnv(t *testing.T) {

	t.Setenv("MAIL_SAVE_CRLF", "")

	// Execute main function.
	env := config.LoadEnv()

	// Check for test success.
	if env.MailSaveCRLF != false {
		t.Fatalf("[config.TestLoadEnv] Expected '%v' but received '%v'\n", false, env.MailSaveCRLF)
	}

	t.Setenv("MAIL_SAVE_CRLF", "1")

	env = config.LoadEnv()

	if env.MailSaveCRLF != true {
		t.Fatalf("[config.TestLoadEnv] Expected '%v' but received '%v'\n", true, env.MailSaveCRLF)
	}
}
