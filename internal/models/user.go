package models

type User struct {
	ID         string `json:"_id" dynamodbav:"id"`
	Name       string `json:"name,omitempty" dynamodbav:"name,omitempty"`
	Email      string `json:"email" dynamodbav:"email"`
	Role       string `json:"role,omitempty" dynamodbav:"role,omitempty"`
	Picture    string `json:"picture,omitempty" dynamodbav:"picture,omitempty"`
	IsVerified bool   `json:"isVerified,omitempty" dynamodbav:"is_verified,omitempty"`
}

// ChatUser converts the account into the identity embedded in messages.
func (u *User) ChatUser() ChatUser {
	return ChatUser{ID: u.ID, Name: u.Name, Email: u.Email, Picture: u.Picture}
}

type OnlineUser struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserEmail string `json:"userEmail"`
}
