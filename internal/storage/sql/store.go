package sql

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/stratushq/stratus/internal/domain"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// isUniqueViolation checks if an error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite
	if strings.Contains(errStr, "UNIQUE constraint failed") {
		return true
	}
	// PostgreSQL
	if strings.Contains(errStr, "duplicate key value violates unique constraint") {
		return true
	}
	return false
}

// wrapUniqueError converts UNIQUE violations to domain.ErrConflict.
func wrapUniqueError(err error) error {
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	return err
}

// Store implements the storage.Storage interface using SQL.
type Store struct {
	db     *sqlx.DB
	driver string
}

// New creates a new SQL store.
func New(driver, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// Run migrations
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(driver); err != nil {
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// marshal serializes a nested value into a JSON column.
func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// unmarshal deserializes a JSON column into dest, treating an empty column
// as the zero value.
func unmarshal(data string, dest any) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), dest)
}

// ============================================
// API Keys
// ============================================

func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	caps, err := marshal(key.Capabilities)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, capabilities, visible, created_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, caps, key.Visible, key.CreatedAt, key.LastUsedAt)
	return wrapUniqueError(err)
}

type apiKeyRow struct {
	ID           string     `db:"id"`
	Name         string     `db:"name"`
	KeyHash      string     `db:"key_hash"`
	KeyPrefix    string     `db:"key_prefix"`
	Capabilities string     `db:"capabilities"`
	Visible      bool       `db:"visible"`
	CreatedAt    time.Time  `db:"created_at"`
	LastUsedAt   *time.Time `db:"last_used_at"`
}

func (r *apiKeyRow) toDomain() (*domain.APIKey, error) {
	key := &domain.APIKey{
		ID:         r.ID,
		Name:       r.Name,
		KeyHash:    r.KeyHash,
		KeyPrefix:  r.KeyPrefix,
		Visible:    r.Visible,
		CreatedAt:  r.CreatedAt,
		LastUsedAt: r.LastUsedAt,
	}
	if err := unmarshal(r.Capabilities, &key.Capabilities); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	var row apiKeyRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, name, key_hash, key_prefix, capabilities, visible, created_at, last_used_at
		 FROM api_keys WHERE key_hash = $1`, keyHash)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	var rows []apiKeyRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, name, key_hash, key_prefix, capabilities, visible, created_at, last_used_at
		 FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	keys := make([]*domain.APIKey, 0, len(rows))
	for i := range rows {
		key, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, time.Now(), id)
	return err
}

func (s *Store) CountAPIKeys(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM api_keys`)
	return count, err
}

// ============================================
// Nodes
// ============================================

type nodeRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Host        string    `db:"host"`
	Port        int       `db:"port"`
	Secret      string    `db:"secret"`
	RAM         int64     `db:"ram"`
	Cores       int       `db:"cores"`
	Status      string    `db:"status"`
	Allocations string    `db:"allocations"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r *nodeRow) toDomain() (*domain.Node, error) {
	node := &domain.Node{
		ID:        r.ID,
		Name:      r.Name,
		Host:      r.Host,
		Port:      r.Port,
		Secret:    r.Secret,
		RAM:       r.RAM,
		Cores:     r.Cores,
		Status:    domain.NodeStatus(r.Status),
		CreatedAt: r.CreatedAt,
	}
	if err := unmarshal(r.Allocations, &node.Allocations); err != nil {
		return nil, err
	}
	return node, nil
}

func (s *Store) CreateNode(ctx context.Context, node *domain.Node) error {
	allocs, err := marshal(node.Allocations)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, name, host, port, secret, ram, cores, status, allocations, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		node.ID, node.Name, node.Host, node.Port, node.Secret, node.RAM, node.Cores,
		string(node.Status), allocs, node.CreatedAt)
	return wrapUniqueError(err)
}

func (s *Store) GetNode(ctx context.Context, id string) (*domain.Node, error) {
	var row nodeRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM nodes WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) ListNodes(ctx context.Context) ([]*domain.Node, error) {
	var rows []nodeRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM nodes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	nodes := make([]*domain.Node, 0, len(rows))
	for i := range rows {
		node, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (s *Store) UpdateNode(ctx context.Context, node *domain.Node) error {
	allocs, err := marshal(node.Allocations)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET name = $1, host = $2, port = $3, secret = $4, ram = $5,
		 cores = $6, status = $7, allocations = $8 WHERE id = $9`,
		node.Name, node.Host, node.Port, node.Secret, node.RAM, node.Cores,
		string(node.Status), allocs, node.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateNodeStatus(ctx context.Context, id string, status domain.NodeStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) ReplaceNodeAllocations(ctx context.Context, nodeID string, allocations []domain.Allocation) error {
	allocs, err := marshal(allocations)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET allocations = $1 WHERE id = $2`, allocs, nodeID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteNode(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ============================================
// Servers
// ============================================

type serverRow struct {
	ID           string    `db:"id"`
	OwnerID      string    `db:"owner_id"`
	Name         string    `db:"name"`
	Node         string    `db:"node"`
	AllocationID string    `db:"allocation_id"`
	ImageID      string    `db:"image_id"`
	Image        string    `db:"image"`
	RAM          int64     `db:"ram"`
	Cores        int       `db:"cores"`
	Disk         int64     `db:"disk"`
	ContainerID  string    `db:"container_id"`
	TaskID       string    `db:"task_id"`
	Env          string    `db:"env"`
	Ports        string    `db:"ports"`
	PrimaryPort  int       `db:"primary_port"`
	Suspended    bool      `db:"suspended"`
	Subusers     string    `db:"subusers"`
	Audit        string    `db:"audit"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r *serverRow) toDomain() (*domain.Server, error) {
	server := &domain.Server{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		Name:         r.Name,
		AllocationID: r.AllocationID,
		ImageID:      r.ImageID,
		RAM:          r.RAM,
		Cores:        r.Cores,
		Disk:         r.Disk,
		ContainerID:  r.ContainerID,
		TaskID:       r.TaskID,
		PrimaryPort:  r.PrimaryPort,
		Suspended:    r.Suspended,
		CreatedAt:    r.CreatedAt,
	}
	nested := []struct {
		data string
		dest any
	}{
		{r.Node, &server.Node},
		{r.Image, &server.Image},
		{r.Env, &server.Env},
		{r.Ports, &server.Ports},
		{r.Subusers, &server.SubuserIDs},
		{r.Audit, &server.Audit},
	}
	for _, col := range nested {
		if err := unmarshal(col.data, col.dest); err != nil {
			return nil, err
		}
	}
	return server, nil
}

func serverColumns(server *domain.Server) ([]any, error) {
	cols := make([]any, 0, 6)
	for _, v := range []any{server.Node, server.Image, server.Env, server.Ports, server.SubuserIDs, server.Audit} {
		data, err := marshal(v)
		if err != nil {
			return nil, err
		}
		cols = append(cols, data)
	}
	return cols, nil
}

func (s *Store) CreateServer(ctx context.Context, server *domain.Server) error {
	cols, err := serverColumns(server)
	if err != nil {
		return err
	}
	args := []any{server.ID, server.OwnerID, server.Name, cols[0], server.AllocationID,
		server.ImageID, cols[1], server.RAM, server.Cores, server.Disk, server.ContainerID,
		server.TaskID, cols[2], cols[3], server.PrimaryPort, server.Suspended, cols[4],
		cols[5], server.CreatedAt}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO servers (id, owner_id, name, node, allocation_id, image_id, image,
		 ram, cores, disk, container_id, task_id, env, ports, primary_port, suspended,
		 subusers, audit, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		args...)
	return wrapUniqueError(err)
}

func (s *Store) GetServer(ctx context.Context, id string) (*domain.Server, error) {
	var row serverRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM servers WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) selectServers(ctx context.Context, query string, args ...any) ([]*domain.Server, error) {
	var rows []serverRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	servers := make([]*domain.Server, 0, len(rows))
	for i := range rows {
		server, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func (s *Store) ListServers(ctx context.Context) ([]*domain.Server, error) {
	return s.selectServers(ctx, `SELECT * FROM servers ORDER BY name`)
}

func (s *Store) ListServersByOwner(ctx context.Context, ownerID string) ([]*domain.Server, error) {
	return s.selectServers(ctx, `SELECT * FROM servers WHERE owner_id = $1 ORDER BY name`, ownerID)
}

func (s *Store) UpdateServer(ctx context.Context, server *domain.Server) error {
	cols, err := serverColumns(server)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE servers SET owner_id = $1, name = $2, node = $3, allocation_id = $4,
		 image_id = $5, image = $6, ram = $7, cores = $8, disk = $9, container_id = $10,
		 task_id = $11, env = $12, ports = $13, primary_port = $14, suspended = $15,
		 subusers = $16, audit = $17 WHERE id = $18`,
		server.OwnerID, server.Name, cols[0], server.AllocationID, server.ImageID,
		cols[1], server.RAM, server.Cores, server.Disk, server.ContainerID, server.TaskID,
		cols[2], cols[3], server.PrimaryPort, server.Suspended, cols[4], cols[5], server.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteServer(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ============================================
// Users
// ============================================

type userRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Email     string    `db:"email"`
	Admin     bool      `db:"admin"`
	Servers   string    `db:"servers"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *userRow) toDomain() (*domain.User, error) {
	user := &domain.User{
		ID:        r.ID,
		Name:      r.Name,
		Email:     r.Email,
		Admin:     r.Admin,
		CreatedAt: r.CreatedAt,
	}
	if err := unmarshal(r.Servers, &user.Servers); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	servers, err := marshal(user.Servers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, admin, servers, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Name, user.Email, user.Admin, servers, user.CreatedAt)
	return wrapUniqueError(err)
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM users WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) ListUsers(ctx context.Context) ([]*domain.User, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM users ORDER BY name`); err != nil {
		return nil, err
	}
	users := make([]*domain.User, 0, len(rows))
	for i := range rows {
		user, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

func (s *Store) UpdateUser(ctx context.Context, user *domain.User) error {
	servers, err := marshal(user.Servers)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET name = $1, email = $2, admin = $3, servers = $4 WHERE id = $5`,
		user.Name, user.Email, user.Admin, servers, user.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ============================================
// Images
// ============================================

type imageRow struct {
	ID           string    `db:"id"`
	Name         string    `db:"name"`
	DockerImage  string    `db:"docker_image"`
	Variables    string    `db:"variables"`
	Files        string    `db:"files"`
	StartCommand string    `db:"start_command"`
	StopCommand  string    `db:"stop_command"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r *imageRow) toDomain() (*domain.Image, error) {
	image := &domain.Image{
		ID:           r.ID,
		Name:         r.Name,
		DockerImage:  r.DockerImage,
		StartCommand: r.StartCommand,
		StopCommand:  r.StopCommand,
		CreatedAt:    r.CreatedAt,
	}
	if err := unmarshal(r.Variables, &image.Variables); err != nil {
		return nil, err
	}
	if err := unmarshal(r.Files, &image.Files); err != nil {
		return nil, err
	}
	return image, nil
}

func (s *Store) CreateImage(ctx context.Context, image *domain.Image) error {
	variables, err := marshal(image.Variables)
	if err != nil {
		return err
	}
	files, err := marshal(image.Files)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO images (id, name, docker_image, variables, files, start_command, stop_command, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		image.ID, image.Name, image.DockerImage, variables, files,
		image.StartCommand, image.StopCommand, image.CreatedAt)
	return wrapUniqueError(err)
}

func (s *Store) GetImage(ctx context.Context, id string) (*domain.Image, error) {
	var row imageRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM images WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) ListImages(ctx context.Context) ([]*domain.Image, error) {
	var rows []imageRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM images ORDER BY name`); err != nil {
		return nil, err
	}
	images := make([]*domain.Image, 0, len(rows))
	for i := range rows {
		image, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		images = append(images, image)
	}
	return images, nil
}

func (s *Store) UpdateImage(ctx context.Context, image *domain.Image) error {
	variables, err := marshal(image.Variables)
	if err != nil {
		return err
	}
	files, err := marshal(image.Files)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE images SET name = $1, docker_image = $2, variables = $3, files = $4,
		 start_command = $5, stop_command = $6 WHERE id = $7`,
		image.Name, image.DockerImage, variables, files,
		image.StartCommand, image.StopCommand, image.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteImage(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ============================================
// Settings
// ============================================

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = $1`, key)
	if err == sql.ErrNoRows {
		return "", domain.ErrNotFound
	}
	return value, err
}

func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = $1`, key)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) ListSettings(ctx context.Context) ([]*domain.Setting, error) {
	var settings []*domain.Setting
	err := s.db.SelectContext(ctx, &settings, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	return settings, nil
}
