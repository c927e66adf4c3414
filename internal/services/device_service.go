package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prudhvinik1/causalsync/internal/models"
	"github.com/prudhvinik1/causalsync/internal/repositories"
	"github.com/prudhvinik1/causalsync/internal/utils"
)

var ErrInvalidToken = errors.New("invalid token")

// DeviceService registers and retires sync participants and issues the
// device-scoped tokens the HTTP layer authenticates with. User accounts
// themselves live outside this service.
type DeviceService struct {
	deviceRepo repositories.DeviceRepository
	jwtSecret  string
	jwtExpiry  time.Duration
}

type RegisterDeviceRequest struct {
	UserID     uuid.UUID
	Name       string
	DeviceType models.DeviceType
	Platform   string
	// Secret is optional; when present it is bcrypt-hashed and stored so the
	// device can later re-authenticate.
	Secret string
}

type RegisterDeviceResponse struct {
	Device    *models.Device
	Token     string
	ExpiresAt time.Time
}

type DeviceClaims struct {
	UserID   uuid.UUID
	DeviceID uuid.UUID
}

func NewDeviceService(deviceRepo repositories.DeviceRepository, jwtSecret string, jwtExpiry time.Duration) *DeviceService {
	return &DeviceService{
		deviceRepo: deviceRepo,
		jwtSecret:  jwtSecret,
		jwtExpiry:  jwtExpiry,
	}
}

func (s *DeviceService) Register(ctx context.Context, req RegisterDeviceRequest) (*RegisterDeviceResponse, error) {
	device := &models.Device{
		UserID:     req.UserID,
		Name:       req.Name,
		DeviceType: req.DeviceType,
		Platform:   req.Platform,
	}

	if req.Secret != "" {
		hash, err := utils.HashDeviceSecret(req.Secret)
		if err != nil {
			return nil, fmt.Errorf("failed to hash device secret: %w", err)
		}
		device.SecretHash = &hash
	}

	if err := s.deviceRepo.Create(ctx, device); err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	expiresAt := time.Now().Add(s.jwtExpiry)
	token, err := s.generateToken(device.UserID, device.ID, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &RegisterDeviceResponse{
		Device:    device,
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *DeviceService) Get(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	device, err := s.deviceRepo.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrUnknownDevice
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return device, nil
}

// List returns every device registered to the user, newest first.
func (s *DeviceService) List(ctx context.Context, userID uuid.UUID) ([]*models.Device, error) {
	devices, err := s.deviceRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// Authenticate re-issues a token for a device that registered with a secret.
// The stored hash never leaves the repository; a device registered without a
// secret cannot re-authenticate and must register again.
func (s *DeviceService) Authenticate(ctx context.Context, deviceID uuid.UUID, secret string) (*RegisterDeviceResponse, error) {
	device, err := s.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !device.IsActive {
		return nil, ErrInactiveDevice
	}
	if device.SecretHash == nil || !utils.CheckDeviceSecret(*device.SecretHash, secret) {
		return nil, ErrInvalidCredentials
	}

	expiresAt := time.Now().Add(s.jwtExpiry)
	token, err := s.generateToken(device.UserID, device.ID, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	return &RegisterDeviceResponse{
		Device:    device,
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

// Deactivate retires one of the user's own devices. Its history stays in the
// log for reconciliation, but the coordinator rejects new submissions from
// it. A device belonging to another user is reported as unknown rather than
// revealed.
func (s *DeviceService) Deactivate(ctx context.Context, userID, deviceID uuid.UUID) error {
	device, err := s.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	if device.UserID != userID {
		return ErrUnknownDevice
	}

	err = s.deviceRepo.Deactivate(ctx, deviceID)
	if errors.Is(err, repositories.ErrNotFound) {
		return ErrUnknownDevice
	}
	if err != nil {
		return fmt.Errorf("failed to deactivate device: %w", err)
	}
	return nil
}

func (s *DeviceService) generateToken(userID, deviceID uuid.UUID, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":       userID.String(),
		"device_id": deviceID.String(),
		"exp":       expiresAt.Unix(),
		"iat":       time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

func (s *DeviceService) VerifyToken(tokenString string) (*DeviceClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	userIDStr, ok := claims["sub"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return nil, ErrInvalidToken
	}

	deviceIDStr, ok := claims["device_id"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}
	deviceID, err := uuid.Parse(deviceIDStr)
	if err != nil {
		return nil, ErrInvalidToken
	}

	return &DeviceClaims{UserID: userID, DeviceID: deviceID}, nil
}
