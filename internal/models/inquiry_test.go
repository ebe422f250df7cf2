package models_test

import (
	"testing"

	"github.com/nebula-studio/nebula/internal/models"
)

func TestInquiryValidate(t *testing.T) {
	tests := []struct {
		name    string
		inquiry models.Inquiry
		want    map[string]string
	}{
		{
			name:    "valid",
			inquiry: models.Inquiry{Name: "Ada", Email: "ada@example.com", Message: "Build me an engine."},
			want:    map[string]string{},
		},
		{
			name:    "all empty",
			inquiry: models.Inquiry{Name: "  ", Email: "", Message: "\n"},
			want: map[string]string{
				"name":    "Name is required.",
				"email":   "Email is required.",
				"message": "Project brief is required.",
			},
		},
		{
			name:    "too short",
			inquiry: models.Inquiry{Name: "A", Email: "ada@example.com", Message: "Hi there"},
			want: map[string]string{
				"name":    "Name must be at least 2 characters.",
				"message": "Please tell us a bit more (min 10 chars).",
			},
		},
		{
			name:    "invalid email",
			inquiry: models.Inquiry{Name: "Ada", Email: "ada@example", Message: "Build me an engine."},
			want:    map[string]string{"email": "Please enter a valid email address."},
		},
		{
			name:    "counts runes",
			inquiry: models.Inquiry{Name: "李雷", Email: "li@example.cn", Message: "请帮我设计一个新网站吧"},
			want:    map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.inquiry.Validate()
			if len(got) != len(tt.want) {
				t.Fatalf("Validate() = %v, want %v", got, tt.want)
			}
			for field, msg := range tt.want {
				if got[field] != msg {
					t.Errorf("Validate()[%q] = %q, want %q", field, got[field], msg)
				}
			}
		})
	}
}
