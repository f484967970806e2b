package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/josepinto1991/healthshield-api/internal/auth"
	"github.com/josepinto1991/healthshield-api/internal/cache"
	"github.com/josepinto1991/healthshield-api/internal/config"
	"github.com/josepinto1991/healthshield-api/internal/db"
	"github.com/josepinto1991/healthshield-api/internal/repository"
	"github.com/josepinto1991/healthshield-api/internal/sync"
)

func TestSyncFlow(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()

	cfg := config.Config{
		HTTPAddr:       ":0",
		JWTSecret:      "test-secret",
		JWTIssuer:      "test-issuer",
		AccessTokenTTL: 15 * time.Minute,
		SyncPageLimit:  100,
	}
	store := repository.NewStore(pool)
	server := NewServer(cfg, store, sync.NewReconciler(store, nil), sync.NewFeed(store), cache.New(nil, time.Minute), nil)
	app := httptest.NewServer(server.Router())
	defer app.Close()

	suffix := time.Now().UnixNano()
	username := fmt.Sprintf("nurse%d", suffix)
	cedula := fmt.Sprintf("V-%08d", suffix%100000000)

	// Health reports DB connectivity and row counts.
	resp := doReq(t, http.MethodGet, app.URL+"/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health expected 200, got %d", resp.StatusCode)
	}
	var health struct {
		Status   string `json:"status"`
		Database string `json:"database"`
		Patients *int64 `json:"patients"`
	}
	decodeBody(t, resp, &health)
	if health.Status != "ok" || health.Database != "connected" {
		t.Fatalf("unexpected health payload %+v", health)
	}
	if health.Patients == nil {
		t.Fatalf("health payload missing row counts")
	}

	// Unauthenticated requests are rejected.
	resp = doReq(t, http.MethodGet, app.URL+"/patients", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp = doReq(t, http.MethodPost, app.URL+"/auth/register", "", map[string]interface{}{
		"username": username,
		"email":    username + "@example.com",
		"password": "correct-horse",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register expected 201, got %d", resp.StatusCode)
	}

	resp = doReq(t, http.MethodPost, app.URL+"/auth/login", "", map[string]interface{}{
		"username": username,
		"password": "correct-horse",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login expected 200, got %d", resp.StatusCode)
	}
	var login struct {
		AccessToken string `json:"access_token"`
	}
	decodeBody(t, resp, &login)
	if login.AccessToken == "" {
		t.Fatalf("expected access token")
	}

	before := time.Now().UTC().Add(-time.Second)

	batch := map[string]interface{}{
		"patients": []map[string]interface{}{{
			"client_local_id":  101,
			"cedula":           cedula,
			"nombre":           "Ana Pérez",
			"fecha_nacimiento": "1990-01-01",
		}},
		"vaccines": []map[string]interface{}{{
			"client_local_id":  201,
			"paciente_id":      101,
			"nombre_vacuna":    "COVID-19",
			"fecha_aplicacion": "2024-03-01",
		}},
	}
	resp = doReq(t, http.MethodPost, app.URL+"/sync/bulk", login.AccessToken, batch)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync bulk expected 200, got %d", resp.StatusCode)
	}
	var first syncBulkResult
	decodeBody(t, resp, &first)
	if first.PatientsSynced != 1 || first.VaccinesSynced != 1 {
		t.Fatalf("expected 1/1 synced, got %d/%d", first.PatientsSynced, first.VaccinesSynced)
	}
	if len(first.Conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %+v", first.Conflicts)
	}
	patientServerID := first.PatientMap["101"].ServerID
	if patientServerID == "" || first.PatientMap["101"].Action != "created" {
		t.Fatalf("unexpected patient outcome %+v", first.PatientMap["101"])
	}
	if first.VaccineMap["201"].Action != "created" {
		t.Fatalf("unexpected vaccine outcome %+v", first.VaccineMap["201"])
	}

	// Replaying the same batch must not create new rows.
	resp = doReq(t, http.MethodPost, app.URL+"/sync/bulk", login.AccessToken, batch)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync replay expected 200, got %d", resp.StatusCode)
	}
	var second syncBulkResult
	decodeBody(t, resp, &second)
	if second.PatientMap["101"].ServerID != patientServerID {
		t.Fatalf("replay changed server id: %s vs %s", second.PatientMap["101"].ServerID, patientServerID)
	}
	if second.PatientMap["101"].Action != "updated" {
		t.Fatalf("replay expected updated, got %s", second.PatientMap["101"].Action)
	}

	// The pull feed sees the new patient.
	resp = doReq(t, http.MethodGet, app.URL+"/sync/updates?last_sync="+before.Format(time.RFC3339), login.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync updates expected 200, got %d", resp.StatusCode)
	}
	var updates struct {
		Patients []struct {
			ID         string `json:"id"`
			Cedula     string `json:"cedula"`
			SyncAction string `json:"sync_action"`
		} `json:"patients"`
	}
	decodeBody(t, resp, &updates)
	found := false
	for _, patient := range updates.Patients {
		if patient.ID == patientServerID {
			found = true
			if patient.Cedula != cedula {
				t.Fatalf("feed cedula mismatch: %s", patient.Cedula)
			}
			if patient.SyncAction != "created" {
				t.Fatalf("feed expected created, got %s", patient.SyncAction)
			}
		}
	}
	if !found {
		t.Fatalf("patient %s missing from feed", patientServerID)
	}

	// Record is also visible through the plain REST surface.
	resp = doReq(t, http.MethodGet, app.URL+"/patients/"+patientServerID+"/vaccines", login.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patient vaccines expected 200, got %d", resp.StatusCode)
	}

	// Direct updates go through PUT with a partial body.
	resp = doReq(t, http.MethodPut, app.URL+"/patients/"+patientServerID, login.AccessToken, map[string]interface{}{
		"telefono": "0412-5550001",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patient update expected 200, got %d", resp.StatusCode)
	}

	// A malformed id reads as missing, not as a server fault.
	resp = doReq(t, http.MethodGet, app.URL+"/patients/not-a-uuid", login.AccessToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("malformed id expected 404, got %d", resp.StatusCode)
	}

	// Password change requires the current password and takes effect.
	resp = doReq(t, http.MethodPost, app.URL+"/users/change-password", login.AccessToken, map[string]interface{}{
		"current_password": "wrong-horse",
		"new_password":     "horse-correct",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong current password expected 401, got %d", resp.StatusCode)
	}
	resp = doReq(t, http.MethodPost, app.URL+"/users/change-password", login.AccessToken, map[string]interface{}{
		"current_password": "correct-horse",
		"new_password":     "horse-correct",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("password change expected 200, got %d", resp.StatusCode)
	}
	resp = doReq(t, http.MethodPost, app.URL+"/auth/login", "", map[string]interface{}{
		"username": username,
		"password": "horse-correct",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login with new password expected 200, got %d", resp.StatusCode)
	}
}

func TestChangePasswordUnknownUser(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()

	cfg := config.Config{
		HTTPAddr:       ":0",
		JWTSecret:      "test-secret",
		JWTIssuer:      "test-issuer",
		AccessTokenTTL: 15 * time.Minute,
		SyncPageLimit:  100,
	}
	store := repository.NewStore(pool)
	server := NewServer(cfg, store, sync.NewReconciler(store, nil), sync.NewFeed(store), cache.New(nil, time.Minute), nil)
	app := httptest.NewServer(server.Router())
	defer app.Close()

	// A valid token whose account no longer exists.
	token, err := auth.NewAccessToken(cfg.JWTSecret, cfg.JWTIssuer, time.Minute, auth.Claims{
		UserID:   "00000000-0000-0000-0000-000000000009",
		Username: "ghost",
		Role:     "health_worker",
	})
	if err != nil {
		t.Fatalf("token error: %v", err)
	}

	resp := doReq(t, http.MethodPost, app.URL+"/users/change-password", token, map[string]interface{}{
		"current_password": "whatever-pass",
		"new_password":     "whatever-pass2",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing account, got %d", resp.StatusCode)
	}
}

type syncBulkResult struct {
	PatientsSynced int `json:"patients_synced"`
	VaccinesSynced int `json:"vaccines_synced"`
	PatientMap     map[string]struct {
		ServerID string `json:"server_id"`
		Action   string `json:"action"`
	} `json:"patient_map"`
	VaccineMap map[string]struct {
		ServerID string `json:"server_id"`
		Action   string `json:"action"`
	} `json:"vaccine_map"`
	Conflicts []struct {
		Type          string `json:"type"`
		ClientLocalID int64  `json:"client_local_id"`
		Error         string `json:"error"`
	} `json:"conflicts"`
}

func openTestDB(t *testing.T) *pgxpool.Pool {
	url := os.Getenv("HEALTHSHIELD_TEST_DB")
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		t.Skip("HEALTHSHIELD_TEST_DB or DATABASE_URL not set")
		return nil
	}
	pool, err := db.NewPool(context.Background(), url)
	if err != nil {
		t.Skipf("db unavailable: %v", err)
		return nil
	}
	if err := db.InitSchema(context.Background(), pool); err != nil {
		t.Fatalf("schema init failed: %v", err)
	}
	return pool
}

func doReq(t *testing.T, method, url, token string, body interface{}) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode error: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("http error: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode error: %v", err)
	}
}
