package utils

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zari-lab/labdata/models"
)

type signupForm struct {
	Email    string      `json:"email" validate:"required,email"`
	Username string      `json:"username" validate:"required,min=3"`
	Password string      `json:"password" validate:"required,min=8"`
	Confirm  string      `json:"confirm_password" validate:"eqfield=Password"`
	Role     models.Role `json:"role" validate:"omitempty,role"`
	Notes    string      `validate:"max=5"`
}

func validSignup() signupForm {
	return signupForm{
		Email:    "amara@lab.test",
		Username: "amara",
		Password: "correct horse",
		Confirm:  "correct horse",
	}
}

func TestValidateStruct(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*signupForm)
		field  string
		msg    string
	}{
		{
			name:   "missing email",
			modify: func(f *signupForm) { f.Email = "" },
			field:  "email",
			msg:    "email is required",
		},
		{
			name:   "malformed email",
			modify: func(f *signupForm) { f.Email = "not-an-email" },
			field:  "email",
			msg:    "email must be a valid email",
		},
		{
			name:   "short password",
			modify: func(f *signupForm) { f.Password, f.Confirm = "short", "short" },
			field:  "password",
			msg:    "password must be at least 8 characters",
		},
		{
			name:   "confirmation mismatch",
			modify: func(f *signupForm) { f.Confirm = "other horse" },
			field:  "confirm_password",
			msg:    "confirm_password must match Password",
		},
		{
			name:   "unknown role",
			modify: func(f *signupForm) { f.Role = "admin" },
			field:  "role",
			msg:    "role must be one of: normal, superuser, ultra_superuser",
		},
		{
			name:   "field without json tag keeps its name",
			modify: func(f *signupForm) { f.Notes = "too long" },
			field:  "Notes",
			msg:    "Notes must be at most 5 characters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validSignup()
			tt.modify(&f)

			err := ValidateStruct(&f)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			assert.Equal(t, tt.msg, GetValidationFields(err)[tt.field])
		})
	}

	t.Run("valid form", func(t *testing.T) {
		f := validSignup()
		f.Role = models.RoleSuperuser
		assert.NoError(t, ValidateStruct(&f))
	})
}

func TestValidateVar(t *testing.T) {
	assert.NoError(t, ValidateVar("2026-04-01", "omitempty,datetime="+DateLayout, "date"))
	assert.NoError(t, ValidateVar("", "omitempty,datetime="+DateLayout, "date"))

	err := ValidateVar("01/04/2026", "omitempty,datetime="+DateLayout, "date")
	require.Error(t, err)
	assert.Equal(t, map[string]string{"date": "date must be a date in 2006-01-02 format"}, GetValidationFields(err))

	err = ValidateVar(0, "min=1", "limit")
	require.Error(t, err)
	assert.Equal(t, "limit must be at least 1", GetValidationFields(err)["limit"])
}

func TestParseUUID(t *testing.T) {
	id := uuid.New()

	got, err := ParseUUID(id.String(), "id")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = ParseUUID("bogus", "versionID")
	require.Error(t, err)
	assert.Equal(t, "Invalid versionID format", err.Error())
	assert.Equal(t, "versionID must be a valid UUID", GetValidationFields(err)["versionID"])
}

func TestIsValidationError(t *testing.T) {
	assert.True(t, IsValidationError(&ValidationError{Message: "Validation failed"}))
	assert.False(t, IsValidationError(errors.New("boom")))
	assert.False(t, IsValidationError(nil))
	assert.Nil(t, GetValidationFields(errors.New("boom")))
}
