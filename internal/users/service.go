package users

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type UserService struct {
	userCollection *mongo.Collection
}

func NewUserService(db *mongo.Database) *UserService {
	return &UserService{
		userCollection: db.Collection("users"),
	}
}

func (s *UserService) CreateUser(ctx context.Context, req CreateUserRequest) (*User, error) {
	var existing User
	err := s.userCollection.FindOne(ctx, bson.M{"email": req.Email}).Decode(&existing)
	if err == nil {
		return nil, ErrUserExists
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}

	userType := UserType(req.UserType)
	switch userType {
	case UserTypeInstructor, UserTypeAdmin:
		// explicit elevated roles
	default:
		userType = UserTypeStudent
	}

	now := time.Now()
	user := User{
		ID:        primitive.NewObjectID(),
		Email:     req.Email,
		Password:  string(hashed),
		FullName:  req.FullName,
		UserType:  userType,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := s.userCollection.InsertOne(ctx, user); err != nil {
		return nil, errors.Wrap(err, "insert user")
	}
	return &user, nil
}

func (s *UserService) AuthenticateUser(ctx context.Context, email, password string) (*User, error) {
	var user User
	if err := s.userCollection.FindOne(ctx, bson.M{"email": email}).Decode(&user); err != nil {
		// Don't reveal whether email or password was wrong.
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

func (s *UserService) GetUserByID(ctx context.Context, userID primitive.ObjectID) (*User, error) {
	var user User
	if err := s.userCollection.FindOne(ctx, bson.M{"_id": userID}).Decode(&user); err != nil {
		return nil, errors.Wrap(err, "find user")
	}
	return &user, nil
}

// CanBroadcast is the role check the stream coordinator consults before start.
// The user id is the hex form carried in the JWT subject.
func (s *UserService) CanBroadcast(ctx context.Context, userID string) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return false, errors.Wrap(err, "parse user id")
	}
	user, err := s.GetUserByID(ctx, oid)
	if err != nil {
		return false, err
	}
	return user.CanBroadcast(), nil
}
