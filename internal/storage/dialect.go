package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// dialect captures the SQL differences between the supported drivers.
type dialect struct {
	driver string
	// dollar placeholders ($1, $2) instead of ?
	dollar bool
	idType string
	// docType holds JSON payloads
	docType string
	upsert  func(table string, cols []string, key string) string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		driver:  "sqlite",
		idType:  "TEXT",
		docType: "TEXT",
		upsert:  onConflictUpsert,
	},
	DriverPostgres: {
		driver:  "postgres",
		dollar:  true,
		idType:  "TEXT",
		docType: "TEXT",
		upsert:  onConflictUpsert,
	},
	DriverMySQL: {
		driver:  "mysql",
		idType:  "VARCHAR(64)",
		docType: "LONGTEXT",
		upsert:  onDuplicateUpsert,
	},
}

func lookupDialect(driver string) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported sql driver: %s", driver)
	}
	return d, nil
}

// rebind rewrites ? placeholders for drivers that number them.
func (d dialect) rebind(query string) string {
	if !d.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func onConflictUpsert(table string, cols []string, key string) string {
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		if c != key {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), placeholders(len(cols)), key, strings.Join(sets, ", "))
}

func onDuplicateUpsert(table string, cols []string, key string) string {
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		if c != key {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		table, strings.Join(cols, ", "), placeholders(len(cols)), strings.Join(sets, ", "))
}

func (d dialect) migrations() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS conversations (
			id %s PRIMARY KEY,
			image_id %s NOT NULL,
			image_json %s NOT NULL,
			scene_json %s NOT NULL,
			tool_calls_json %s NOT NULL,
			frames_json %s NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, d.idType, d.idType, d.docType, d.docType, d.docType, d.docType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS scene_snapshots (
			conversation_id %s NOT NULL,
			seq INTEGER NOT NULL,
			note %s NOT NULL,
			taken_at BIGINT NOT NULL,
			scene_json %s NOT NULL,
			PRIMARY KEY (conversation_id, seq)
		)`, d.idType, d.docType, d.docType),
	}
}
