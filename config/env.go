package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Structs

// Env holds information specific to the
// system where plume is deployed. This
// enables host adaptions without needing
// to maintain two different config files.
// Use the .env file to populate values
// within the system.
type Env struct {
	MailSaveCRLF bool
}

// Functions

// LoadEnv looks for an .env file in the directory
// of plume and reads in all defined values. A missing
// file is fine, the process environment then stands
// on its own.
func LoadEnv() *Env {

	// Load environment file. Values already present in
	// the process environment take precedence.
	_ = godotenv.Load(".env")

	env := new(Env)

	// Fill variables from environment into struct.
	env.MailSaveCRLF = os.Getenv("MAIL_SAVE_CRLF") != ""

	return env
}
