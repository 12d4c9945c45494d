package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"mirror-vitals/internal/models"

	"go.uber.org/zap"
)

// ReadingsRepository 生命体征读数仓库（vital_readings 表）
type ReadingsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReadingsRepository 创建读数仓库
func NewReadingsRepository(db *sql.DB, logger *zap.Logger) *ReadingsRepository {
	return &ReadingsRepository{
		db:     db,
		logger: logger,
	}
}

const readingColumns = `
			reading_id,
			user_id,
			hr,
			spo2,
			hrv,
			temp,
			status,
			reasons,
			ts,
			device_ts,
			created_at`

// InsertReading 写入一条读数
func (r *ReadingsRepository) InsertReading(ctx context.Context, reading *models.VitalReading) error {
	if reading == nil {
		return fmt.Errorf("reading is required")
	}
	if reading.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if reading.ReadingID == "" {
		return fmt.Errorf("reading_id is required")
	}

	reasonsJSON, err := json.Marshal(reading.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}

	// ts 缺失时以当前时间兜底（归一化不变式：落库后 ts 永不为空）
	ts := reading.TS
	if ts.IsZero() {
		ts = time.Now()
	}

	query := `
		INSERT INTO vital_readings (
			reading_id,
			user_id,
			hr,
			spo2,
			hrv,
			temp,
			status,
			reasons,
			ts,
			device_ts,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`

	var status *string
	if reading.Status != "" {
		s := string(reading.Status)
		status = &s
	}

	_, err = r.db.ExecContext(ctx,
		query,
		reading.ReadingID,
		reading.UserID,
		reading.HR,
		reading.SpO2,
		reading.HRV,
		reading.Temp,
		status,
		reasonsJSON,
		ts,
		reading.DeviceTS,
		reading.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}

	return nil
}

// LatestReading 获取用户最新的一条读数（没有数据时返回 nil, nil）
func (r *ReadingsRepository) LatestReading(ctx context.Context, userID string) (*models.VitalReading, error) {
	readings, err := r.LatestReadings(ctx, userID, 1)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, nil
	}
	return &readings[0], nil
}

// LatestReadings 获取最近 N 条读数（ts 降序，与文档库订阅语义一致）
func (r *ReadingsRepository) LatestReadings(ctx context.Context, userID string, limit int) ([]models.VitalReading, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM vital_readings
		WHERE user_id = $1
		ORDER BY ts DESC
		LIMIT $2
	`, readingColumns)

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	return r.scanReadings(rows)
}

// ReadingsSince 获取时间下界之后的读数（ts 降序）
// 下界过滤在这里（服务端）完成，消费方只拿到已过滤的集合
func (r *ReadingsRepository) ReadingsSince(ctx context.Context, userID string, since time.Time) ([]models.VitalReading, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM vital_readings
		WHERE user_id = $1
		  AND ts >= $2
		ORDER BY ts DESC
	`, readingColumns)

	rows, err := r.db.QueryContext(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings since: %w", err)
	}
	defer rows.Close()

	return r.scanReadings(rows)
}

// ReadingsInWindow 获取 [from, to) 窗口内的读数（ts 升序，报告导出用）
func (r *ReadingsRepository) ReadingsInWindow(ctx context.Context, userID string, from, to time.Time) ([]models.VitalReading, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM vital_readings
		WHERE user_id = $1
		  AND ts >= $2
		  AND ts < $3
		ORDER BY ts ASC
	`, readingColumns)

	rows, err := r.db.QueryContext(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings in window: %w", err)
	}
	defer rows.Close()

	return r.scanReadings(rows)
}

// scanReadings 扫描结果集（处理可空字段和 JSONB）
func (r *ReadingsRepository) scanReadings(rows *sql.Rows) ([]models.VitalReading, error) {
	readings := []models.VitalReading{}

	for rows.Next() {
		var reading models.VitalReading
		var hr, spo2, hrv, temp sql.NullFloat64
		var status sql.NullString
		var deviceTS sql.NullInt64
		var reasonsJSON []byte

		err := rows.Scan(
			&reading.ReadingID,
			&reading.UserID,
			&hr,
			&spo2,
			&hrv,
			&temp,
			&status,
			&reasonsJSON,
			&reading.TS,
			&deviceTS,
			&reading.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}

		if hr.Valid {
			reading.HR = &hr.Float64
		}
		if spo2.Valid {
			reading.SpO2 = &spo2.Float64
		}
		if hrv.Valid {
			reading.HRV = &hrv.Float64
		}
		if temp.Valid {
			reading.Temp = &temp.Float64
		}
		if status.Valid {
			reading.Status = models.VitalStatus(status.String)
		}
		if deviceTS.Valid {
			reading.DeviceTS = &deviceTS.Int64
		}
		if len(reasonsJSON) > 0 {
			if err := json.Unmarshal(reasonsJSON, &reading.Reasons); err != nil {
				// 原因解析失败不阻断读数本身
				r.logger.Warn("Failed to unmarshal reading reasons",
					zap.String("reading_id", reading.ReadingID),
					zap.Error(err),
				)
			}
		}

		readings = append(readings, reading)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}

	return readings, nil
}
