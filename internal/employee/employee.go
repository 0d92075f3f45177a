// Package employee is the employee directory: who can submit, who can
// review, and where each employee gets paid.
package employee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/stableflow/internal/docstore"
	"github.com/mbd888/stableflow/internal/idgen"
	"github.com/mbd888/stableflow/internal/validation"
)

// Collections used by the directory.
const (
	Collection        = "employees"
	WalletsCollection = "wallets"
)

var (
	ErrNotFound = errors.New("employee not found")
	ErrExists   = errors.New("employee already exists")
	ErrInactive = errors.New("employee is inactive")
)

// Role decides what an employee may do.
type Role string

const (
	RoleEmployee Role = "EMPLOYEE"
	RoleManager  Role = "MANAGER"
	RoleAdmin    Role = "ADMIN"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleEmployee || r == RoleManager || r == RoleAdmin
}

// CanReview reports whether r may review and settle claims.
func (r Role) CanReview() bool {
	return r == RoleManager || r == RoleAdmin
}

// Employee is a directory entry.
type Employee struct {
	ID            string    `json:"id"`
	Email         string    `json:"email,omitempty"`
	DisplayName   string    `json:"displayName"`
	WalletAddress string    `json:"walletAddress,omitempty"`
	Department    string    `json:"department,omitempty"`
	Position      string    `json:"position,omitempty"`
	Role          Role      `json:"role"`
	ManagerID     string    `json:"managerId,omitempty"`
	IsActive      bool      `json:"isActive"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Check enforces the record invariants at the store boundary.
func (e *Employee) Check() error {
	switch {
	case e.ID == "":
		return errors.New("missing id")
	case strings.TrimSpace(e.DisplayName) == "":
		return errors.New("missing displayName")
	case !e.Role.Valid():
		return fmt.Errorf("unknown role %q", e.Role)
	case e.WalletAddress != "" && !validation.IsValidEthAddress(e.WalletAddress):
		return fmt.Errorf("invalid wallet address %q", e.WalletAddress)
	}
	return nil
}

// CreateRequest is the body of POST /v1/employees.
type CreateRequest struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
	WalletAddress string `json:"walletAddress"`
	Department    string `json:"department"`
	Position      string `json:"position"`
	Role          string `json:"role"`
	ManagerID     string `json:"managerId"`
}

// ListFilter selects employees for List.
type ListFilter struct {
	ActiveOnly bool
	Department string
}

// profileWallet is the profile-level wallet document at wallets/{id}.
type profileWallet struct {
	Address string `json:"address"`
}

// Directory stores employees in the document store.
type Directory struct {
	docs   docstore.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewDirectory creates an employee directory.
func NewDirectory(docs docstore.Store, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		docs:   docs,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create adds an employee. The id defaults to a generated one; pass the
// identity provider's user id to link the two.
func (d *Directory) Create(ctx context.Context, req CreateRequest) (*Employee, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(req.Role)))
	if role == "" {
		role = RoleEmployee
	}
	wallet := validation.SanitizeAddress(req.WalletAddress)
	if errs := validation.Validate(
		validation.Required("displayName", req.DisplayName, "Display name is required"),
		validation.MaxLength("displayName", req.DisplayName, 200),
		validation.MaxLength("email", req.Email, 320),
		validation.OneOf("role", string(role), []string{string(RoleEmployee), string(RoleManager), string(RoleAdmin)}, "Role must be EMPLOYEE, MANAGER or ADMIN"),
		validation.ValidAddress("walletAddress", wallet),
	); len(errs) > 0 {
		return nil, errs
	}
	if req.Email != "" && !strings.Contains(req.Email, "@") {
		return nil, validation.ValidationErrors{{Field: "email", Message: "Email is not valid"}}
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = idgen.WithPrefix("emp_")
	}
	now := d.now()
	e := &Employee{
		ID:            id,
		Email:         strings.TrimSpace(req.Email),
		DisplayName:   strings.TrimSpace(req.DisplayName),
		WalletAddress: wallet,
		Department:    strings.TrimSpace(req.Department),
		Position:      strings.TrimSpace(req.Position),
		Role:          role,
		ManagerID:     strings.TrimSpace(req.ManagerID),
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := d.docs.Transact(ctx, docstore.Join(Collection, id), func(current json.RawMessage) (json.RawMessage, error) {
		if current != nil {
			return nil, ErrExists
		}
		return json.Marshal(e)
	})
	if errors.Is(err, docstore.ErrInvalidPath) {
		return nil, validation.ValidationErrors{{Field: "id", Message: "Employee id has invalid characters"}}
	}
	if err != nil {
		return nil, err
	}
	d.logger.Info("employee created", "employee_id", id, "role", role)
	return e, nil
}

// Get returns one employee.
func (d *Directory) Get(ctx context.Context, id string) (*Employee, error) {
	raw, err := d.docs.Get(ctx, docstore.Join(Collection, id))
	if errors.Is(err, docstore.ErrNotFound) || errors.Is(err, docstore.ErrInvalidPath) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeEmployee(id, raw)
}

// List returns employees sorted by display name.
func (d *Directory) List(ctx context.Context, f ListFilter) ([]*Employee, error) {
	var filters []docstore.Filter
	if f.Department != "" {
		filters = append(filters, docstore.Filter{Field: "department", Values: []string{f.Department}})
	}
	entries, err := d.docs.List(ctx, Collection, filters...)
	if err != nil {
		return nil, err
	}
	out := make([]*Employee, 0, len(entries))
	for _, en := range entries {
		e, err := decodeEmployee(en.ID, en.Data)
		if err != nil {
			d.logger.Warn("skipping malformed employee", "employee_id", en.ID, "error", err)
			continue
		}
		if f.ActiveOnly && !e.IsActive {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].DisplayName) < strings.ToLower(out[j].DisplayName)
	})
	return out, nil
}

// Count returns the number of employees.
func (d *Directory) Count(ctx context.Context) (int, error) {
	entries, err := d.docs.List(ctx, Collection)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// UpdateWallet sets the payout wallet. An empty address clears it.
func (d *Directory) UpdateWallet(ctx context.Context, id, address string) (*Employee, error) {
	address = validation.SanitizeAddress(address)
	if errs := validation.Validate(validation.ValidAddress("walletAddress", address)); len(errs) > 0 {
		return nil, errs
	}
	return d.mutate(ctx, id, func(e *Employee) error {
		e.WalletAddress = address
		return nil
	})
}

// Deactivate marks an employee inactive. Inactive employees cannot
// submit or review claims; their history stays.
func (d *Directory) Deactivate(ctx context.Context, id string) (*Employee, error) {
	return d.mutate(ctx, id, func(e *Employee) error {
		e.IsActive = false
		return nil
	})
}

// Wallet resolves where an employee is paid: the directory entry first,
// then the profile-level wallet. Returns "" when neither is set.
func (d *Directory) Wallet(ctx context.Context, id string) (string, error) {
	e, err := d.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if e.WalletAddress != "" {
		return e.WalletAddress, nil
	}

	var pw profileWallet
	err = docstore.GetJSON(ctx, d.docs, docstore.Join(WalletsCollection, id), &pw)
	if errors.Is(err, docstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read profile wallet %s: %w", id, err)
	}
	return strings.TrimSpace(pw.Address), nil
}

// CanReview reports whether actorID is an active manager or admin.
// Unknown actors cannot review.
func (d *Directory) CanReview(ctx context.Context, actorID string) (bool, error) {
	e, err := d.Get(ctx, actorID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.IsActive && e.Role.CanReview(), nil
}

// IsAdmin reports whether actorID is an active admin.
func (d *Directory) IsAdmin(ctx context.Context, actorID string) (bool, error) {
	e, err := d.Get(ctx, actorID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.IsActive && e.Role == RoleAdmin, nil
}

// DisplayName returns an active employee's display name.
func (d *Directory) DisplayName(ctx context.Context, id string) (string, error) {
	e, err := d.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !e.IsActive {
		return "", ErrInactive
	}
	return e.DisplayName, nil
}

func (d *Directory) mutate(ctx context.Context, id string, fn func(*Employee) error) (*Employee, error) {
	var out *Employee
	err := d.docs.Transact(ctx, docstore.Join(Collection, id), func(current json.RawMessage) (json.RawMessage, error) {
		if current == nil {
			return nil, ErrNotFound
		}
		e, err := decodeEmployee(id, current)
		if err != nil {
			return nil, err
		}
		if err := fn(e); err != nil {
			return nil, err
		}
		e.UpdatedAt = d.now()
		if err := e.Check(); err != nil {
			return nil, fmt.Errorf("%w: employee %s: %v", docstore.ErrInvalidDocument, id, err)
		}
		out = e
		return json.Marshal(e)
	})
	if errors.Is(err, docstore.ErrInvalidPath) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decodeEmployee(id string, raw json.RawMessage) (*Employee, error) {
	var e Employee
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: employee %s: %v", docstore.ErrInvalidDocument, id, err)
	}
	if e.ID == "" {
		e.ID = id
	}
	if err := e.Check(); err != nil {
		return nil, fmt.Errorf("%w: employee %s: %v", docstore.ErrInvalidDocument, id, err)
	}
	return &e, nil
}
