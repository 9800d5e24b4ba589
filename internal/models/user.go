package models

import (
	"time"
)

type User struct {
	ID           string            `json:"id" dynamodbav:"id"`
	UserName     string            `json:"username" dynamodbav:"username"`
	Email        string            `json:"email" dynamodbav:"email"`
	PasswordHash string            `json:"-" dynamodbav:"password_hash"`
	Roles        []string          `json:"roles,omitempty" dynamodbav:"roles,omitempty,stringset"`
	Claims       map[string]string `json:"claims,omitempty" dynamodbav:"claims,omitempty"`
	CreatedAt    time.Time         `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" dynamodbav:"updated_at"`
}

func (u *User) GetPK() string {
	return "USER!" + u.ID
}

func (u *User) GetSK() string {
	return "METADATA"
}

// EmailPK is the key of the lookup item that maps an email to a user id.
func (u *User) EmailPK() string {
	return "EMAIL!" + NormalizeEmail(u.Email)
}
