package models

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Inquiry is a project brief submitted through the contact form of the marketing site.
type Inquiry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Validate returns the field-level errors of the inquiry keyed by field name. An empty map means the
// inquiry is valid.
func (i Inquiry) Validate() map[string]string {
	errs := make(map[string]string)

	name := strings.TrimSpace(i.Name)
	switch {
	case name == "":
		errs["name"] = "Name is required."
	case utf8.RuneCountInString(name) < 2:
		errs["name"] = "Name must be at least 2 characters."
	}

	email := strings.TrimSpace(i.Email)
	switch {
	case email == "":
		errs["email"] = "Email is required."
	case !emailPattern.MatchString(email):
		errs["email"] = "Please enter a valid email address."
	}

	msg := strings.TrimSpace(i.Message)
	switch {
	case msg == "":
		errs["message"] = "Project brief is required."
	case utf8.RuneCountInString(msg) < 10:
		errs["message"] = "Please tell us a bit more (min 10 chars)."
	}

	return errs
}
