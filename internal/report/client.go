// Package report 报告导出服务客户端
package report

import (
	"context"
	"fmt"
	"time"

	"mirror-vitals/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Request 报告生成请求（窗口为 [from, to) epoch 毫秒）
type Request struct {
	UserID string `json:"user_id"`
	From   int64  `json:"from"`
	To     int64  `json:"to"`
}

// Result 报告生成结果
type Result struct {
	ReportID string `json:"report_id"`
	FileName string `json:"file_name"`
	Base64   string `json:"base64"` // PDF 内容（base64 编码）
	Error    string `json:"error,omitempty"`
}

// Client 报告导出服务的 HTTP 客户端
type Client struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewClient 创建报告客户端
func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(cfg.Report.BaseURL).
		SetTimeout(time.Duration(cfg.Report.TimeoutSeconds) * time.Second). // 报告生成可能需要较长时间
		SetRetryCount(cfg.Report.RetryCount).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		httpClient: client,
		logger:     logger,
	}
}

// Generate 请求生成一份窗口内读数的 PDF 报告
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if req.To <= req.From {
		return nil, fmt.Errorf("invalid report window: from=%d, to=%d", req.From, req.To)
	}

	c.logger.Info("Requesting report generation",
		zap.String("user_id", req.UserID),
		zap.Int64("from", req.From),
		zap.Int64("to", req.To),
	)

	var result Result
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		SetError(&result).
		Post("/reports/generate")

	if err != nil {
		c.logger.Error("Report API call failed",
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to call report API: %w", err)
	}

	if resp.StatusCode() >= 400 {
		c.logger.Error("Report API returned error",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("msg", result.Error),
		)
		return nil, fmt.Errorf("report API error: %s (status: %d)", result.Error, resp.StatusCode())
	}

	c.logger.Info("Report generated",
		zap.String("report_id", result.ReportID),
		zap.String("file_name", result.FileName),
	)

	return &result, nil
}
