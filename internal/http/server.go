package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/josepinto1991/healthshield-api/internal/auth"
	"github.com/josepinto1991/healthshield-api/internal/cache"
	"github.com/josepinto1991/healthshield-api/internal/config"
	"github.com/josepinto1991/healthshield-api/internal/crypto"
	"github.com/josepinto1991/healthshield-api/internal/model"
	"github.com/josepinto1991/healthshield-api/internal/repository"
	"github.com/josepinto1991/healthshield-api/internal/sync"
)

const (
	statsCacheKey  = "healthshield:stats"
	statusCacheKey = "healthshield:sync_status"

	maxSyncPageLimit = 500
	fullSyncLimit    = 1000
)

var cedulaPattern = regexp.MustCompile(`^[VE]-?[0-9]{6,9}$`)

type Server struct {
	cfg        config.Config
	store      *repository.Store
	reconciler *sync.Reconciler
	feed       *sync.Feed
	cache      *cache.Cache
	logger     *zap.Logger
}

func NewServer(cfg config.Config, store *repository.Store, reconciler *sync.Reconciler, feed *sync.Feed, responseCache *cache.Cache, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		store:      store,
		reconciler: reconciler,
		feed:       feed,
		cache:      responseCache,
		logger:     logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)

	r.Route("/users", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireAdmin).Get("/", s.handleListUsers)
		r.Post("/change-password", s.handleChangePassword)
		r.Get("/{userID}", s.handleGetUser)
		r.Patch("/{userID}", s.handleUpdateUser)
	})

	r.Route("/patients", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/", s.handleListPatients)
		r.Post("/", s.handleCreatePatient)
		r.Get("/{patientID}", s.handleGetPatient)
		r.Put("/{patientID}", s.handleUpdatePatient)
		r.With(s.requireAdmin).Delete("/{patientID}", s.handleDeletePatient)
		r.Get("/{patientID}/vaccines", s.handleListPatientVaccines)
	})

	r.Route("/vaccines", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/", s.handleListVaccines)
		r.Post("/", s.handleCreateVaccine)
		r.Get("/{vaccineID}", s.handleGetVaccine)
		r.Put("/{vaccineID}", s.handleUpdateVaccine)
		r.With(s.requireAdmin).Delete("/{vaccineID}", s.handleDeleteVaccine)
	})

	r.Route("/sync", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/bulk", s.handleSyncBulk)
		r.Get("/updates", s.handleSyncUpdates)
		r.Get("/full", s.handleSyncFull)
		r.Get("/status", s.handleSyncStatus)
	})

	r.With(s.authMiddleware).Get("/stats", s.handleStats)

	return r
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Patients int64  `json:"patients"`
	Vaccines int64  `json:"vaccines"`
	Accounts int64  `json:"accounts"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("health ping failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Database: "disconnected"})
		return
	}

	patients, err := s.store.CountPatients(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Database: "error"})
		return
	}
	vaccines, err := s.store.CountVaccinations(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Database: "error"})
		return
	}
	accounts, err := s.store.CountAccounts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Database: "error"})
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Database: "connected",
		Patients: patients,
		Vaccines: vaccines,
		Accounts: accounts,
	})
}

type registerRequest struct {
	Username      string  `json:"username"`
	Email         string  `json:"email"`
	Password      string  `json:"password"`
	Telefono      *string `json:"telefono,omitempty"`
	EsProfesional bool    `json:"es_profesional,omitempty"`
	Licencia      *string `json:"licencia_profesional,omitempty"`
}

type accountResponse struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	Telefono      *string   `json:"telefono,omitempty"`
	EsProfesional bool      `json:"es_profesional"`
	Licencia      *string   `json:"licencia_profesional,omitempty"`
	Verificado    bool      `json:"verificado"`
	Role          string    `json:"role"`
	CreatedAt     time.Time `json:"created_at"`
}

func mapAccountResponse(account model.Account) accountResponse {
	return accountResponse{
		ID:            account.ID,
		Username:      account.Username,
		Email:         account.Email,
		Telefono:      account.Phone,
		EsProfesional: account.IsProfessional,
		Licencia:      account.ProfessionalLicense,
		Verificado:    account.IsVerified,
		Role:          account.Role,
		CreatedAt:     account.CreatedAt,
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Username = strings.TrimSpace(strings.ToLower(req.Username))
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Username == "" || req.Email == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "invalid_credentials")
		return
	}
	if !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "invalid_email")
		return
	}

	if _, err := s.store.GetAccountByUsername(r.Context(), req.Username); err == nil {
		writeError(w, http.StatusConflict, "username_taken")
		return
	} else if !errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if _, err := s.store.GetAccountByEmail(r.Context(), req.Email); err == nil {
		writeError(w, http.StatusConflict, "email_taken")
		return
	} else if !errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	passwordHash, err := crypto.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	now := time.Now().UTC()
	account := model.Account{
		ID:                  uuid.NewString(),
		Username:            req.Username,
		Email:               req.Email,
		PasswordHash:        passwordHash,
		Phone:               req.Telefono,
		IsProfessional:      req.EsProfesional,
		ProfessionalLicense: req.Licencia,
		Role:                "health_worker",
		Synced:              true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.CreateAccount(r.Context(), account); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			writeError(w, http.StatusConflict, "username_taken")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	s.logger.Info("account registered", zap.String("username", account.Username))
	writeJSON(w, http.StatusCreated, mapAccountResponse(account))
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string          `json:"access_token"`
	TokenType   string          `json:"token_type"`
	User        accountResponse `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Username = strings.TrimSpace(strings.ToLower(req.Username))
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}

	account, err := s.store.GetAccountByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	if err := crypto.CheckPassword(account.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}

	token, err := auth.NewAccessToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.AccessTokenTTL, auth.Claims{
		UserID:   account.ID,
		Username: account.Username,
		Role:     account.Role,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        mapAccountResponse(account),
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r, 50, 200)
	accounts, err := s.store.ListAccounts(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]accountResponse, 0, len(accounts))
	for _, account := range accounts {
		resp = append(resp, mapAccountResponse(account))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	userID := chi.URLParam(r, "userID")
	if claims.UserID != userID && claims.Role != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	account, err := s.store.GetAccountByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapAccountResponse(account))
}

type updateUserRequest struct {
	Telefono      *string `json:"telefono,omitempty"`
	EsProfesional *bool   `json:"es_profesional,omitempty"`
	Licencia      *string `json:"licencia_profesional,omitempty"`
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	userID := chi.URLParam(r, "userID")
	if claims.UserID != userID && claims.Role != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	account, err := s.store.UpdateAccount(r.Context(), userID, repository.AccountUpdate{
		Phone:               req.Telefono,
		IsProfessional:      req.EsProfesional,
		ProfessionalLicense: req.Licencia,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapAccountResponse(account))
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// handleChangePassword changes the authenticated account's own password.
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if len(req.NewPassword) < 8 {
		writeError(w, http.StatusBadRequest, "password_too_short")
		return
	}

	account, err := s.store.GetAccountByID(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if err := crypto.CheckPassword(account.PasswordHash, req.CurrentPassword); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}

	passwordHash, err := crypto.HashPassword(req.NewPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if err := s.store.UpdateAccountPassword(r.Context(), claims.UserID, passwordHash); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type patientRequest struct {
	Cedula          string  `json:"cedula"`
	Nombre          string  `json:"nombre"`
	FechaNacimiento string  `json:"fecha_nacimiento"`
	Telefono        *string `json:"telefono,omitempty"`
	Direccion       *string `json:"direccion,omitempty"`
}

type patientResponse struct {
	ID              string    `json:"id"`
	Cedula          string    `json:"cedula"`
	Nombre          string    `json:"nombre"`
	FechaNacimiento string    `json:"fecha_nacimiento"`
	Telefono        *string   `json:"telefono,omitempty"`
	Direccion       *string   `json:"direccion,omitempty"`
	Synced          bool      `json:"synced"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func mapPatientResponse(patient model.Patient) patientResponse {
	return patientResponse{
		ID:              patient.ID,
		Cedula:          patient.NationalID,
		Nombre:          patient.FullName,
		FechaNacimiento: patient.BirthDate,
		Telefono:        patient.Phone,
		Direccion:       patient.Address,
		Synced:          patient.Synced,
		CreatedAt:       patient.CreatedAt,
		UpdatedAt:       patient.UpdatedAt,
	}
}

func (p patientRequest) validate() (string, string, string, error) {
	cedula := strings.ToUpper(strings.TrimSpace(p.Cedula))
	if !cedulaPattern.MatchString(cedula) {
		return "", "", "", errors.New("invalid_cedula")
	}
	nombre := strings.TrimSpace(p.Nombre)
	if nombre == "" {
		return "", "", "", errors.New("missing_nombre")
	}
	fecha := strings.TrimSpace(p.FechaNacimiento)
	if _, err := time.Parse("2006-01-02", fecha); err != nil {
		return "", "", "", errors.New("invalid_fecha_nacimiento")
	}
	return cedula, nombre, fecha, nil
}

func (s *Server) handleListPatients(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r, 50, 200)

	if cedula := strings.TrimSpace(r.URL.Query().Get("cedula")); cedula != "" {
		patient, err := s.store.GetPatientByNationalID(r.Context(), strings.ToUpper(cedula))
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				writeJSON(w, http.StatusOK, []patientResponse{})
				return
			}
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		writeJSON(w, http.StatusOK, []patientResponse{mapPatientResponse(patient)})
		return
	}

	patients, err := s.store.ListPatients(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]patientResponse, 0, len(patients))
	for _, patient := range patients {
		resp = append(resp, mapPatientResponse(patient))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreatePatient(w http.ResponseWriter, r *http.Request) {
	var req patientRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	cedula, nombre, fecha, err := req.validate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	patient, err := s.store.CreatePatient(r.Context(), repository.PatientUpsert{
		NationalID: cedula,
		FullName:   nombre,
		BirthDate:  fecha,
		Phone:      req.Telefono,
		Address:    req.Direccion,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			writeError(w, http.StatusConflict, "cedula_exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	s.invalidateCaches(r.Context())
	writeJSON(w, http.StatusCreated, mapPatientResponse(patient))
}

func (s *Server) handleGetPatient(w http.ResponseWriter, r *http.Request) {
	patient, err := s.store.GetPatientByID(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "patient_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapPatientResponse(patient))
}

type updatePatientRequest struct {
	Cedula          *string `json:"cedula,omitempty"`
	Nombre          *string `json:"nombre,omitempty"`
	FechaNacimiento *string `json:"fecha_nacimiento,omitempty"`
	Telefono        *string `json:"telefono,omitempty"`
	Direccion       *string `json:"direccion,omitempty"`
}

func (s *Server) handleUpdatePatient(w http.ResponseWriter, r *http.Request) {
	var req updatePatientRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Cedula != nil {
		normalized := strings.ToUpper(strings.TrimSpace(*req.Cedula))
		if !cedulaPattern.MatchString(normalized) {
			writeError(w, http.StatusBadRequest, "invalid_cedula")
			return
		}
		req.Cedula = &normalized
	}
	if req.FechaNacimiento != nil {
		if _, err := time.Parse("2006-01-02", *req.FechaNacimiento); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_fecha_nacimiento")
			return
		}
	}

	patient, err := s.store.UpdatePatient(r.Context(), chi.URLParam(r, "patientID"), repository.PatientUpdate{
		NationalID: req.Cedula,
		FullName:   req.Nombre,
		BirthDate:  req.FechaNacimiento,
		Phone:      req.Telefono,
		Address:    req.Direccion,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "patient_not_found")
		case errors.Is(err, repository.ErrDuplicate):
			writeError(w, http.StatusConflict, "cedula_exists")
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}

	s.invalidateCaches(r.Context())
	writeJSON(w, http.StatusOK, mapPatientResponse(patient))
}

func (s *Server) handleDeletePatient(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.store.DeletePatient(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "patient_not_found")
		return
	}
	s.invalidateCaches(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListPatientVaccines(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	if _, err := s.store.GetPatientByID(r.Context(), patientID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "patient_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	vaccinations, err := s.store.ListVaccinationsByPatient(r.Context(), patientID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]vaccineResponse, 0, len(vaccinations))
	for _, vaccination := range vaccinations {
		resp = append(resp, mapVaccineResponse(vaccination))
	}
	writeJSON(w, http.StatusOK, resp)
}

type vaccineRequest struct {
	PacienteID          string  `json:"paciente_id"`
	NombreVacuna        string  `json:"nombre_vacuna"`
	FechaAplicacion     string  `json:"fecha_aplicacion"`
	Lote                *string `json:"lote,omitempty"`
	ProximaDosis        *string `json:"proxima_dosis,omitempty"`
	EsMenor             bool    `json:"es_menor,omitempty"`
	CedulaRepresentante *string `json:"cedula_representante,omitempty"`
}

type vaccineResponse struct {
	ID                  string    `json:"id"`
	PacienteID          *string   `json:"paciente_id"`
	NombreVacuna        string    `json:"nombre_vacuna"`
	FechaAplicacion     string    `json:"fecha_aplicacion"`
	Lote                *string   `json:"lote,omitempty"`
	ProximaDosis        *string   `json:"proxima_dosis,omitempty"`
	EsMenor             bool      `json:"es_menor"`
	CedulaRepresentante *string   `json:"cedula_representante,omitempty"`
	UsuarioID           *string   `json:"usuario_id,omitempty"`
	Synced              bool      `json:"synced"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func mapVaccineResponse(vaccination model.Vaccination) vaccineResponse {
	return vaccineResponse{
		ID:                  vaccination.ID,
		PacienteID:          vaccination.PatientID,
		NombreVacuna:        vaccination.VaccineName,
		FechaAplicacion:     vaccination.AppliedOn,
		Lote:                vaccination.LotNumber,
		ProximaDosis:        vaccination.NextDose,
		EsMenor:             vaccination.IsMinor,
		CedulaRepresentante: vaccination.GuardianID,
		UsuarioID:           vaccination.AccountID,
		Synced:              vaccination.Synced,
		CreatedAt:           vaccination.CreatedAt,
		UpdatedAt:           vaccination.UpdatedAt,
	}
}

func (s *Server) handleListVaccines(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r, 50, 200)
	vaccinations, err := s.store.ListVaccinations(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]vaccineResponse, 0, len(vaccinations))
	for _, vaccination := range vaccinations {
		resp = append(resp, mapVaccineResponse(vaccination))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateVaccine(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req vaccineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.PacienteID = strings.TrimSpace(req.PacienteID)
	req.NombreVacuna = strings.TrimSpace(req.NombreVacuna)
	if req.PacienteID == "" || req.NombreVacuna == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	if _, err := time.Parse("2006-01-02", req.FechaAplicacion); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_fecha_aplicacion")
		return
	}

	vaccination, err := s.store.CreateVaccination(r.Context(), repository.VaccinationUpsert{
		PatientID:   req.PacienteID,
		IsMinor:     req.EsMenor,
		GuardianID:  req.CedulaRepresentante,
		VaccineName: req.NombreVacuna,
		AppliedOn:   req.FechaAplicacion,
		LotNumber:   req.Lote,
		NextDose:    req.ProximaDosis,
		AccountID:   &claims.UserID,
		Synced:      true,
	})
	if err != nil {
		if errors.Is(err, repository.ErrPatientNotFound) {
			writeError(w, http.StatusNotFound, "patient_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	s.invalidateCaches(r.Context())
	writeJSON(w, http.StatusCreated, mapVaccineResponse(vaccination))
}

func (s *Server) handleGetVaccine(w http.ResponseWriter, r *http.Request) {
	vaccination, err := s.store.GetVaccinationByID(r.Context(), chi.URLParam(r, "vaccineID"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "vaccine_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapVaccineResponse(vaccination))
}

type updateVaccineRequest struct {
	NombreVacuna    *string `json:"nombre_vacuna,omitempty"`
	FechaAplicacion *string `json:"fecha_aplicacion,omitempty"`
	Lote            *string `json:"lote,omitempty"`
	ProximaDosis    *string `json:"proxima_dosis,omitempty"`
}

func (s *Server) handleUpdateVaccine(w http.ResponseWriter, r *http.Request) {
	var req updateVaccineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.FechaAplicacion != nil {
		if _, err := time.Parse("2006-01-02", *req.FechaAplicacion); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_fecha_aplicacion")
			return
		}
	}

	vaccination, err := s.store.UpdateVaccination(r.Context(), chi.URLParam(r, "vaccineID"), repository.VaccinationUpdate{
		VaccineName: req.NombreVacuna,
		AppliedOn:   req.FechaAplicacion,
		LotNumber:   req.Lote,
		NextDose:    req.ProximaDosis,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "vaccine_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	s.invalidateCaches(r.Context())
	writeJSON(w, http.StatusOK, mapVaccineResponse(vaccination))
}

func (s *Server) handleDeleteVaccine(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.store.DeleteVaccination(r.Context(), chi.URLParam(r, "vaccineID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "vaccine_not_found")
		return
	}
	s.invalidateCaches(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSyncBulk(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var batch sync.Batch
	if err := decodeJSON(r, &batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	result := s.reconciler.ProcessBatch(r.Context(), batch, claims.UserID)

	syncBatchesTotal.Inc()
	for _, outcome := range result.PatientMap {
		syncRecordsTotal.WithLabelValues("patient", string(outcome.Action)).Inc()
	}
	for _, outcome := range result.VaccineMap {
		syncRecordsTotal.WithLabelValues("vaccine", string(outcome.Action)).Inc()
	}
	for _, conflict := range result.Conflicts {
		syncConflictsTotal.WithLabelValues(conflict.Type).Inc()
	}

	s.invalidateCaches(r.Context())
	// Conflicts are data, not failures: the batch is accepted even when
	// every record in it was rejected.
	writeJSON(w, http.StatusOK, result)
}

type syncPatientRecord struct {
	patientResponse
	SyncAction model.SyncAction `json:"sync_action"`
}

type syncVaccineRecord struct {
	vaccineResponse
	SyncAction model.SyncAction `json:"sync_action"`
}

type syncUpdatesResponse struct {
	Patients        []syncPatientRecord `json:"patients"`
	Vaccines        []syncVaccineRecord `json:"vaccines"`
	HasMore         bool                `json:"has_more"`
	ServerTimestamp time.Time           `json:"server_timestamp"`
}

func (s *Server) handleSyncUpdates(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("last_sync")
	if raw == "" {
		raw = r.URL.Query().Get("since")
	}
	since, err := parseWatermark(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_last_sync")
		return
	}
	limit := clamp(r.URL.Query().Get("limit"), s.cfg.SyncPageLimit, maxSyncPageLimit)
	offset := clamp(r.URL.Query().Get("offset"), 0, 1<<30)

	s.writeChangeSet(w, r, since, limit, offset)
}

// handleSyncFull is the bootstrap path for a fresh device: everything
// since the epoch, with a larger page.
func (s *Server) handleSyncFull(w http.ResponseWriter, r *http.Request) {
	limit := clamp(r.URL.Query().Get("limit"), fullSyncLimit, fullSyncLimit)
	offset := clamp(r.URL.Query().Get("offset"), 0, 1<<30)

	s.writeChangeSet(w, r, time.Unix(0, 0).UTC(), limit, offset)
}

func (s *Server) writeChangeSet(w http.ResponseWriter, r *http.Request, since time.Time, limit, offset int) {
	set, err := s.feed.Changes(r.Context(), since, limit, offset)
	if err != nil {
		s.logger.Error("change feed failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	resp := syncUpdatesResponse{
		Patients:        make([]syncPatientRecord, 0, len(set.Patients)),
		Vaccines:        make([]syncVaccineRecord, 0, len(set.Vaccines)),
		HasMore:         set.HasMore,
		ServerTimestamp: time.Now().UTC(),
	}
	for _, change := range set.Patients {
		resp.Patients = append(resp.Patients, syncPatientRecord{
			patientResponse: mapPatientResponse(change.Patient),
			SyncAction:      change.Action,
		})
	}
	for _, change := range set.Vaccines {
		resp.Vaccines = append(resp.Vaccines, syncVaccineRecord{
			vaccineResponse: mapVaccineResponse(change.Vaccination),
			SyncAction:      change.Action,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type syncStatusResponse struct {
	PatientsTotal   int64     `json:"patients_total"`
	VaccinesTotal   int64     `json:"vaccines_total"`
	AccountsTotal   int64     `json:"accounts_total"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	var cached syncStatusResponse
	if hit, err := s.cache.GetJSON(r.Context(), statusCacheKey, &cached); err == nil && hit {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	patients, err := s.store.CountPatients(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	vaccines, err := s.store.CountVaccinations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	accounts, err := s.store.CountAccounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	resp := syncStatusResponse{
		PatientsTotal:   patients,
		VaccinesTotal:   vaccines,
		AccountsTotal:   accounts,
		ServerTimestamp: time.Now().UTC(),
	}
	if err := s.cache.SetJSON(r.Context(), statusCacheKey, resp); err != nil {
		s.logger.Warn("status cache write failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	TotalPatients      int64     `json:"total_patients"`
	TotalVaccines      int64     `json:"total_vaccines"`
	PatientsLast30Days int64     `json:"patients_last_30_days"`
	VaccinesLast30Days int64     `json:"vaccines_last_30_days"`
	GeneratedAt        time.Time `json:"generated_at"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var cached statsResponse
	if hit, err := s.cache.GetJSON(r.Context(), statsCacheKey, &cached); err == nil && hit {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	since := time.Now().UTC().AddDate(0, 0, -30)
	totalPatients, err := s.store.CountPatients(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	totalVaccines, err := s.store.CountVaccinations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	recentPatients, err := s.store.CountPatientsSince(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	recentVaccines, err := s.store.CountVaccinationsSince(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	resp := statsResponse{
		TotalPatients:      totalPatients,
		TotalVaccines:      totalVaccines,
		PatientsLast30Days: recentPatients,
		VaccinesLast30Days: recentVaccines,
		GeneratedAt:        time.Now().UTC(),
	}
	if err := s.cache.SetJSON(r.Context(), statsCacheKey, resp); err != nil {
		s.logger.Warn("stats cache write failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) invalidateCaches(ctx context.Context) {
	if err := s.cache.Invalidate(ctx, statsCacheKey, statusCacheKey); err != nil {
		s.logger.Warn("cache invalidation failed", zap.Error(err))
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}

		claims, err := auth.ParseToken(s.cfg.JWTSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil || claims.Role != "admin" {
			writeError(w, http.StatusForbidden, "admin_only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// parseWatermark accepts the RFC3339 timestamp returned by a previous
// sync response; empty means "from the beginning".
func parseWatermark(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Unix(0, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

func clamp(raw string, fallback, max int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

func parsePage(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := clamp(r.URL.Query().Get("limit"), defaultLimit, maxLimit)
	offset := clamp(r.URL.Query().Get("offset"), 0, 1<<30)
	return limit, offset
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
