package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevinKickass/MachineConnect/internal/config"
	"github.com/KevinKickass/MachineConnect/internal/types"
	"go.uber.org/zap"
)

type Permission string

const (
	PermOperator Permission = "operator"
	PermAdmin    Permission = "admin"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// DeviceStore is the part of the device registry authentication needs.
type DeviceStore interface {
	GetDevice(ctx context.Context, name string) (*types.Device, error)
}

type AuthService struct {
	devices    DeviceStore
	jwtHandler *JWTHandler
	hasher     *SecretHasher
	logger     *zap.Logger
}

func NewAuthService(devices DeviceStore, cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	return &AuthService{
		devices:    devices,
		jwtHandler: NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL, cfg.Issuer),
		hasher:     NewSecretHasher(),
		logger:     logger,
	}
}

// IssueAccessToken signs an operator token for subject with the given role.
func (a *AuthService) IssueAccessToken(subject, role string) (string, error) {
	return a.jwtHandler.GenerateAccessToken(subject, role)
}

// ValidateAccessToken returns the permissions of a valid operator token.
func (a *AuthService) ValidateAccessToken(token string) (*JWTClaims, []Permission, error) {
	claims, err := a.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, nil, err
	}
	return claims, roleToPermissions(claims.Role), nil
}

// IssueDeviceToken generates a device token and the hash to store with the device.
func (a *AuthService) IssueDeviceToken() (token, hash string, err error) {
	token, err = GenerateDeviceToken()
	if err != nil {
		return "", "", err
	}

	hash, err = a.hasher.Hash(token)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash device token: %w", err)
	}

	return token, hash, nil
}

// AuthenticateDevice checks a gateway's token against its device record.
func (a *AuthService) AuthenticateDevice(ctx context.Context, deviceName, token string) error {
	if !ValidDeviceTokenFormat(token) {
		return fmt.Errorf("%w: malformed device token", ErrInvalidCredentials)
	}

	device, err := a.devices.GetDevice(ctx, deviceName)
	if err != nil {
		return fmt.Errorf("failed to authenticate device: %w", err)
	}
	if device.TokenHash == "" {
		return fmt.Errorf("%w: no token issued for %s", ErrInvalidCredentials, deviceName)
	}

	ok, err := a.hasher.Verify(token, device.TokenHash)
	if err != nil {
		a.logger.Error("Stored device token hash is unreadable",
			zap.String("device", deviceName),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if !ok {
		return ErrInvalidCredentials
	}

	return nil
}

func roleToPermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermOperator, PermAdmin}
	default:
		return []Permission{PermOperator}
	}
}
