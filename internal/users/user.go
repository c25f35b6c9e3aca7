package users

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// UserType is the role claim used to authorize broadcasting.
type UserType string

const (
	UserTypeStudent    UserType = "student"
	UserTypeInstructor UserType = "instructor"
	UserTypeAdmin      UserType = "admin"
)

type User struct {
	ID        primitive.ObjectID `bson:"_id" json:"id"`
	Email     string             `bson:"email" json:"email"`
	Password  string             `bson:"password" json:"-"`
	FullName  string             `bson:"full_name" json:"full_name"`
	UserType  UserType           `bson:"user_type" json:"user_type"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at" json:"updated_at"`
}

// CanBroadcast reports whether this user is allowed to start a live stream.
func (u *User) CanBroadcast() bool {
	return u.UserType == UserTypeInstructor || u.UserType == UserTypeAdmin
}

type CreateUserRequest struct {
	FullName string `json:"full_name" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	UserType string `json:"user_type"`
}

type LoginUserRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type AuthResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}
