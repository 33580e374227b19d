package models

import "time"

// Server connection types
const (
	ConnectionSSH   = "ssh"
	ConnectionLocal = "local"
)

// Server auth types
const (
	AuthPassword = "password"
	AuthKey      = "key"
)

// Server is a machine commands run on and files are pulled from
type Server struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	ConnectionType string    `json:"connection_type"`
	Host           string    `json:"host"`
	Port           int       `json:"port"`
	Username       string    `json:"username"`
	AuthType       string    `json:"auth_type"`
	Password       string    `json:"-"`
	PrivateKey     string    `json:"-"`
	HasPassword    bool      `json:"has_password"`
	HasPrivateKey  bool      `json:"has_private_key"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ServerRequest is the create/update payload for a server.
// Empty secrets on update keep the stored value.
type ServerRequest struct {
	Name           string `json:"name" binding:"required"`
	ConnectionType string `json:"connection_type" binding:"omitempty,oneof=ssh local"`
	Host           string `json:"host" binding:"required_unless=ConnectionType local"`
	Port           int    `json:"port" binding:"omitempty,min=1,max=65535"`
	Username       string `json:"username"`
	AuthType       string `json:"auth_type" binding:"omitempty,oneof=password key"`
	Password       string `json:"password"`
	PrivateKey     string `json:"private_key"`
}
