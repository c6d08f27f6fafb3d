package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"commitmentd/internal/tree"
)

// ErrDuplicateTxid is returned when an anchor is recorded with a txid
// that already exists in the anchor chain.
var ErrDuplicateTxid = errors.New("store: anchor txid already recorded")

// ErrCorrupt indicates the persisted tree state does not match the
// root recomputed from persisted tree nodes (spec §4.3, "Rebuild on
// reopen"). The store must refuse to open read-write in this case.
var ErrCorrupt = errors.New("store: persisted root does not match rebuilt root")

// Store is the SQLite-backed persistent store for commitments, tree
// nodes, tree state, anchors, and config.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at path, applies pending
// migrations, and verifies the persisted tree root against the node
// table before returning. WAL journal mode gives crash-safe durability
// without a separate write-ahead log package.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("store: create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply migrations: %w", err)
	}

	s := &Store{db: db}
	if err := s.verifyOnOpen(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection. Closing a store with writes
// in flight is a usage error (spec §5); the caller is responsible for
// quiescing writers first.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) leafHashesOrdered() ([][32]byte, error) {
	rows, err := s.db.Query(`SELECT leaf_hash FROM commitments ORDER BY tree_index ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][32]byte
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var h [32]byte
		copy(h[:], raw)
		out = append(out, h)
	}
	return out, rows.Err()
}

// PutNode implements tree.Store, persisting a single tree node.
func (s *Store) PutNode(n tree.Node) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO tree_nodes (level, idx, hash) VALUES (?, ?, ?)`,
		n.Level, n.Index, n.Hash[:])
	if err != nil {
		return fmt.Errorf("store: put tree node: %w", err)
	}
	return nil
}

// GetNode implements tree.Store.
func (s *Store) GetNode(level uint32, index uint64) (tree.Node, bool, error) {
	var raw []byte
	err := s.db.QueryRow(`SELECT hash FROM tree_nodes WHERE level = ? AND idx = ?`, level, index).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return tree.Node{}, false, nil
	}
	if err != nil {
		return tree.Node{}, false, fmt.Errorf("store: get tree node: %w", err)
	}
	var h [32]byte
	copy(h[:], raw)
	return tree.Node{Level: level, Index: index, Hash: h}, true, nil
}

// InsertCommitment persists a new commitment row, every tree node on
// its append path, and the advanced tree state in a single
// transaction (spec §4.3, "Atomicity").
func (s *Store) InsertCommitment(c *Commitment, pathNodes []tree.Node, state TreeState) error {
	payloadJSON, err := json.Marshal(c.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal payload: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO commitments (id, type, payload_json, signature, timestamp_ms, leaf_hash, tree_index)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Type, string(payloadJSON), c.Signature, c.Timestamp, c.LeafHash[:], c.TreeIndex,
	); err != nil {
		return fmt.Errorf("store: insert commitment: %w", err)
	}

	for _, n := range pathNodes {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO tree_nodes (level, idx, hash) VALUES (?, ?, ?)`,
			n.Level, n.Index, n.Hash[:]); err != nil {
			return fmt.Errorf("store: write tree node: %w", err)
		}
	}

	if err := putTreeStateTx(tx, state); err != nil {
		return err
	}

	return tx.Commit()
}

func putTreeStateTx(tx *sql.Tx, state TreeState) error {
	rootHex := ""
	if state.RootHash != nil {
		rootHex = fmt.Sprintf("%x", state.RootHash[:])
	}
	kvs := map[string]string{
		"rootHash":        rootHex,
		"leafCount":       strconv.FormatUint(state.LeafCount, 10),
		"lastAnchorIndex": strconv.FormatInt(state.LastAnchorIndex, 10),
	}
	for k, v := range kvs {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO tree_state (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("store: write tree state %q: %w", k, err)
		}
	}
	return nil
}

// GetTreeState loads the singleton tree-state row.
func (s *Store) GetTreeState() (TreeState, error) {
	rows, err := s.db.Query(`SELECT key, value FROM tree_state`)
	if err != nil {
		return TreeState{}, fmt.Errorf("store: query tree state: %w", err)
	}
	defer rows.Close()

	state := TreeState{LastAnchorIndex: -1}
	found := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return TreeState{}, fmt.Errorf("store: scan tree state: %w", err)
		}
		found[k] = v
	}
	if err := rows.Err(); err != nil {
		return TreeState{}, err
	}

	if v, ok := found["rootHash"]; ok && v != "" {
		raw := make([]byte, 32)
		if _, err := fmt.Sscanf(v, "%x", &raw); err != nil {
			return TreeState{}, fmt.Errorf("store: decode root hash: %w", err)
		}
		var h [32]byte
		copy(h[:], raw)
		state.RootHash = &h
	}
	if v, ok := found["leafCount"]; ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return TreeState{}, fmt.Errorf("store: decode leaf count: %w", err)
		}
		state.LeafCount = n
	}
	if v, ok := found["lastAnchorIndex"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return TreeState{}, fmt.Errorf("store: decode last anchor index: %w", err)
		}
		state.LastAnchorIndex = n
	}

	return state, nil
}

// PutTreeState persists the tree state outside of a commitment
// transaction (used by the anchor engine to advance lastAnchorIndex).
func (s *Store) PutTreeState(state TreeState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := putTreeStateTx(tx, state); err != nil {
		return err
	}
	return tx.Commit()
}

func scanCommitment(row interface {
	Scan(dest ...any) error
}) (*Commitment, error) {
	var c Commitment
	var payloadJSON, signature string
	var leafHash []byte

	if err := row.Scan(&c.ID, &c.Type, &payloadJSON, &signature, &c.Timestamp, &leafHash, &c.TreeIndex); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &c.Payload); err != nil {
		return nil, fmt.Errorf("store: unmarshal payload: %w", err)
	}
	c.Signature = signature
	copy(c.LeafHash[:], leafHash)
	return &c, nil
}

// GetCommitment retrieves a commitment by id, returning nil if absent.
func (s *Store) GetCommitment(id string) (*Commitment, error) {
	row := s.db.QueryRow(`
		SELECT id, type, payload_json, signature, timestamp_ms, leaf_hash, tree_index
		FROM commitments WHERE id = ?`, id)
	c, err := scanCommitment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get commitment: %w", err)
	}
	return c, nil
}

// GetCommitmentByTreeIndex retrieves a commitment by its tree index.
func (s *Store) GetCommitmentByTreeIndex(idx uint64) (*Commitment, error) {
	row := s.db.QueryRow(`
		SELECT id, type, payload_json, signature, timestamp_ms, leaf_hash, tree_index
		FROM commitments WHERE tree_index = ?`, idx)
	c, err := scanCommitment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get commitment by tree index: %w", err)
	}
	return c, nil
}

// CountCommitments returns the total number of persisted commitments.
func (s *Store) CountCommitments() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM commitments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count commitments: %w", err)
	}
	return n, nil
}

// QueryCommitments applies AND-composed filters (spec §4.3, "Queries"),
// ordered by timestamp descending, with limit/offset pagination.
func (s *Store) QueryCommitments(f Filters) ([]*Commitment, error) {
	var clauses []string
	var args []any

	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, f.Type)
	}
	if f.Subject != "" {
		clauses = append(clauses, "json_extract(payload_json, '$.subject') LIKE ?")
		args = append(args, "%"+f.Subject+"%")
	}
	if f.Counterparty != "" {
		clauses = append(clauses, "json_extract(payload_json, '$.counterparty') = ?")
		args = append(args, f.Counterparty)
	}
	if f.Since != 0 {
		clauses = append(clauses, "timestamp_ms >= ?")
		args = append(args, f.Since)
	}
	if f.Until != 0 {
		clauses = append(clauses, "timestamp_ms <= ?")
		args = append(args, f.Until)
	}

	query := `SELECT id, type, payload_json, signature, timestamp_ms, leaf_hash, tree_index FROM commitments`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp_ms DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query commitments: %w", err)
	}
	defer rows.Close()

	var out []*Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan commitment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanAnchor(row interface {
	Scan(dest ...any) error
}) (*Anchor, error) {
	var a Anchor
	var rootHash []byte
	var blockHeight sql.NullInt64

	if err := row.Scan(&a.AnchorIndex, &a.Txid, &a.Timestamp, &blockHeight, &rootHash, &a.CommitmentCount, &a.PreviousAnchor); err != nil {
		return nil, err
	}
	copy(a.RootHash[:], rootHash)
	if blockHeight.Valid {
		h := uint64(blockHeight.Int64)
		a.BlockHeight = &h
	}
	return &a, nil
}

const anchorColumns = `anchor_index, txid, timestamp_ms, block_height, root_hash, commitment_count, previous_anchor`

// InsertAnchor persists a new anchor row and advances tree_state's
// lastAnchorIndex in the same transaction (spec §4.4, "Anchor
// recording"). Returns ErrDuplicateTxid if txid is already recorded.
func (s *Store) InsertAnchor(a *Anchor) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM anchors WHERE txid = ?`, a.Txid).Scan(&exists); err != nil {
		return fmt.Errorf("store: check duplicate txid: %w", err)
	}
	if exists > 0 {
		return ErrDuplicateTxid
	}

	var blockHeight any
	if a.BlockHeight != nil {
		blockHeight = *a.BlockHeight
	}

	if _, err := tx.Exec(`
		INSERT INTO anchors (anchor_index, txid, timestamp_ms, block_height, root_hash, commitment_count, previous_anchor)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.AnchorIndex, a.Txid, a.Timestamp, blockHeight, a.RootHash[:], a.CommitmentCount, a.PreviousAnchor,
	); err != nil {
		return fmt.Errorf("store: insert anchor: %w", err)
	}

	if _, err := tx.Exec(`INSERT OR REPLACE INTO tree_state (key, value) VALUES ('lastAnchorIndex', ?)`,
		strconv.FormatUint(a.AnchorIndex, 10)); err != nil {
		return fmt.Errorf("store: advance last anchor index: %w", err)
	}

	return tx.Commit()
}

// GetAnchorByTxid retrieves an anchor by its txid, nil if absent.
func (s *Store) GetAnchorByTxid(txid string) (*Anchor, error) {
	row := s.db.QueryRow(`SELECT `+anchorColumns+` FROM anchors WHERE txid = ?`, txid)
	a, err := scanAnchor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get anchor: %w", err)
	}
	return a, nil
}

// GetLatestAnchor returns the anchor with the highest anchorIndex, nil
// if none recorded yet.
func (s *Store) GetLatestAnchor() (*Anchor, error) {
	row := s.db.QueryRow(`SELECT ` + anchorColumns + ` FROM anchors ORDER BY anchor_index DESC LIMIT 1`)
	a, err := scanAnchor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get latest anchor: %w", err)
	}
	return a, nil
}

// ListAnchors returns every anchor in ascending anchorIndex order.
func (s *Store) ListAnchors() ([]*Anchor, error) {
	rows, err := s.db.Query(`SELECT ` + anchorColumns + ` FROM anchors ORDER BY anchor_index ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list anchors: %w", err)
	}
	defer rows.Close()

	var out []*Anchor
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan anchor: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FindBindingAnchor returns the earliest anchor whose commitmentCount
// is strictly greater than treeIndex (spec §4.4, "Binding rule for
// proofs"), nil if the commitment is unanchored.
func (s *Store) FindBindingAnchor(treeIndex uint64) (*Anchor, error) {
	row := s.db.QueryRow(`
		SELECT `+anchorColumns+`
		FROM anchors
		WHERE commitment_count > ?
		ORDER BY anchor_index ASC
		LIMIT 1`, treeIndex)
	a, err := scanAnchor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find binding anchor: %w", err)
	}
	return a, nil
}

// UpdateAnchorConfirmation sets blockHeight on the anchor matching
// txid. It never unsets a height once established (spec §4.4,
// "Confirmation refresh").
func (s *Store) UpdateAnchorConfirmation(txid string, blockHeight uint64) (*Anchor, error) {
	res, err := s.db.Exec(`
		UPDATE anchors SET block_height = ?
		WHERE txid = ? AND block_height IS NULL`, blockHeight, txid)
	if err != nil {
		return nil, fmt.Errorf("store: update anchor confirmation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already confirmed, or absent: either way return current state.
		return s.GetAnchorByTxid(txid)
	}
	return s.GetAnchorByTxid(txid)
}

// GetConfig reads a config value by key.
func (s *Store) GetConfig(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get config %q: %w", key, err)
	}
	return v, true, nil
}

// SetConfig writes a config key→value pair.
func (s *Store) SetConfig(key, value string) error {
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO config (key, value) VALUES (?, ?)`, key, value); err != nil {
		return fmt.Errorf("store: set config %q: %w", key, err)
	}
	return nil
}
