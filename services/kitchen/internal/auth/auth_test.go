package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/appetiteclub/kds/pkg/enums/role"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/golang-jwt/jwt/v5"
)

func TestAuthorize(t *testing.T) {
	grill := event.StationTopic("b1", "grill")
	bar := event.StationTopic("b1", "bar")
	waiter := event.RoleTopic("b1", role.Roles.Waiter)
	cashier := event.RoleTopic("b1", role.Roles.Cashier)

	tests := []struct {
		name    string
		ac      Context
		topics  []event.Topic
		wantErr bool
	}{
		{name: "stationOwnStation", ac: Context{Branch: "b1", Role: RoleStation, Stations: []string{"grill"}}, topics: []event.Topic{grill}},
		{name: "stationOtherStation", ac: Context{Branch: "b1", Role: RoleStation, Stations: []string{"grill"}}, topics: []event.Topic{grill, bar}, wantErr: true},
		{name: "stationRoleTopic", ac: Context{Branch: "b1", Role: RoleStation, Stations: []string{"grill"}}, topics: []event.Topic{waiter}, wantErr: true},
		{name: "waiterOwnRole", ac: Context{Branch: "b1", Role: RoleWaiter}, topics: []event.Topic{waiter}},
		{name: "waiterCashierTopic", ac: Context{Branch: "b1", Role: RoleWaiter}, topics: []event.Topic{cashier}, wantErr: true},
		{name: "cashierOwnRole", ac: Context{Branch: "b1", Role: RoleCashier}, topics: []event.Topic{cashier}},
		{name: "managerAnything", ac: Context{Branch: "b1", Role: RoleManager}, topics: []event.Topic{grill, bar, waiter, cashier}},
		{name: "managerOtherBranch", ac: Context{Branch: "b1", Role: RoleManager}, topics: []event.Topic{event.StationTopic("b2", "grill")}, wantErr: true},
		{name: "noTopics", ac: Context{Branch: "b1", Role: RoleManager}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ac.Authorize(tt.topics)
			if tt.wantErr {
				if !errors.Is(err, ErrForbidden) {
					t.Errorf("expected ErrForbidden, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestDefaultTopicsAreAuthorized(t *testing.T) {
	contexts := []Context{
		{Branch: "b1", Role: RoleStation, Stations: []string{"grill", "fryer"}},
		{Branch: "b1", Role: RoleWaiter},
		{Branch: "b1", Role: RoleCashier},
		{Branch: "b1", Role: RoleCustomerDisplay},
		{Branch: "b1", Role: RoleManager},
	}
	for _, ac := range contexts {
		topics := ac.DefaultTopics()
		if len(topics) == 0 {
			t.Errorf("%s: no default topics", ac.Role)
			continue
		}
		if err := ac.Authorize(topics); err != nil {
			t.Errorf("%s: default topics rejected: %v", ac.Role, err)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	a := NewAuthenticator("s3cret", nil)
	token, err := a.jwt.GenerateToken(Context{Subject: "screen-1", Branch: "b1", Role: RoleStation, Stations: []string{"grill"}})
	if err != nil {
		t.Fatalf("cannot sign token: %v", err)
	}

	ac, err := a.Authenticate(token, "b1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ac.Subject != "screen-1" || ac.Role != RoleStation || len(ac.Stations) != 1 {
		t.Errorf("unexpected context: %+v", ac)
	}

	if _, err := a.Authenticate(token, "b2"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for another branch, got %v", err)
	}
	if _, err := a.Authenticate("", "b1"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for missing token, got %v", err)
	}

	other := NewJWTManager("other", time.Hour)
	forged, _ := other.GenerateToken(Context{Subject: "x", Branch: "b1", Role: RoleManager})
	if _, err := a.Authenticate(forged, "b1"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for bad signature, got %v", err)
	}
}

func TestAuthenticateRejectsExpiredAndUnknownRole(t *testing.T) {
	a := NewAuthenticator("s3cret", nil)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
		Branch:           "b1",
		Role:             "waiter",
	})
	s, _ := expired.SignedString([]byte("s3cret"))
	if _, err := a.Authenticate(s, "b1"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for expired token, got %v", err)
	}

	unknown := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Branch: "b1", Role: "chef"})
	s, _ = unknown.SignedString([]byte("s3cret"))
	if _, err := a.Authenticate(s, "b1"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for unknown role, got %v", err)
	}
}

func TestAuthenticateDisabled(t *testing.T) {
	a := NewAuthenticator("", nil)
	if a.Enabled() {
		t.Fatal("expected auth disabled")
	}
	ac, err := a.Authenticate("", "b1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ac.Role != RoleManager || ac.Branch != "b1" {
		t.Errorf("unexpected context: %+v", ac)
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/streams/sse?access_token=q", nil)
	if got := TokenFromRequest(r); got != "q" {
		t.Errorf("query token = %q", got)
	}
	r.Header.Set("Authorization", "Bearer h")
	if got := TokenFromRequest(r); got != "h" {
		t.Errorf("header token = %q", got)
	}
}
