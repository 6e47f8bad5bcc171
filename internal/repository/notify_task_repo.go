package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"groupbuy/internal/database"
	"groupbuy/internal/model"
	"groupbuy/pkg/utils"
)

const lastErrorMaxLen = 500

// NotifyTaskRepository notify task persistence
type NotifyTaskRepository interface {
	// Create inserts a task, ErrDuplicateAttempt when its biz key exists
	Create(ctx context.Context, task *model.NotifyTask) error

	// GetByBizKey gets a task by business key, nil if absent
	GetByBizKey(ctx context.Context, bizKey string) (*model.NotifyTask, error)

	// ListDispatchable lists PENDING and RETRY tasks, oldest first
	ListDispatchable(ctx context.Context, limit int) ([]*model.NotifyTask, error)

	// MarkSuccess moves a dispatchable task to SUCCESS, false if it was not dispatchable
	MarkSuccess(ctx context.Context, task *model.NotifyTask) (bool, error)

	// MarkRetryOrFailed records a failed attempt and returns the new status
	MarkRetryOrFailed(ctx context.Context, task *model.NotifyTask, maxRetries int, lastErr string) (int8, error)
}

// notifyTaskRepository notify task repository implementation
type notifyTaskRepository struct {
	db *gorm.DB
}

// NewNotifyTaskRepository creates a notify task repository
func NewNotifyTaskRepository(db *gorm.DB) NotifyTaskRepository {
	return &notifyTaskRepository{db: db}
}

// Create creates a task
func (r *notifyTaskRepository) Create(ctx context.Context, task *model.NotifyTask) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		if database.IsDuplicateKey(err) {
			return utils.WrapError(utils.ErrDuplicateAttempt, err)
		}
		return err
	}
	return nil
}

// GetByBizKey gets a task by business key
func (r *notifyTaskRepository) GetByBizKey(ctx context.Context, bizKey string) (*model.NotifyTask, error) {
	var task model.NotifyTask
	err := r.db.WithContext(ctx).Where("biz_key = ?", bizKey).First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

// ListDispatchable lists tasks the dispatcher still owes a delivery
func (r *notifyTaskRepository) ListDispatchable(ctx context.Context, limit int) ([]*model.NotifyTask, error) {
	var tasks []*model.NotifyTask
	err := r.db.WithContext(ctx).
		Where("status IN ?", model.DispatchableStatuses).
		Order("id ASC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

// MarkSuccess marks a task delivered
func (r *notifyTaskRepository) MarkSuccess(ctx context.Context, task *model.NotifyTask) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.NotifyTask{}).
		Where("id = ? AND status IN ?", task.ID, model.DispatchableStatuses).
		Updates(map[string]interface{}{
			"status":        model.NotifyStatusSuccess,
			"attempt_count": gorm.Expr("attempt_count + ?", 1),
			"last_error":    "",
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	task.Status = model.NotifyStatusSuccess
	task.AttemptCount++
	task.LastError = ""
	return true, nil
}

// MarkRetryOrFailed counts a failed attempt against the observed attempt
// count; the task turns FAILED once maxRetries attempts are spent.
func (r *notifyTaskRepository) MarkRetryOrFailed(ctx context.Context, task *model.NotifyTask, maxRetries int, lastErr string) (int8, error) {
	attempts := task.AttemptCount + 1
	status := model.NotifyStatusRetry
	if attempts >= maxRetries {
		status = model.NotifyStatusFailed
	}
	if len(lastErr) > lastErrorMaxLen {
		lastErr = lastErr[:lastErrorMaxLen]
	}

	result := r.db.WithContext(ctx).
		Model(&model.NotifyTask{}).
		Where("id = ? AND attempt_count = ? AND status IN ?", task.ID, task.AttemptCount, model.DispatchableStatuses).
		Updates(map[string]interface{}{
			"status":        status,
			"attempt_count": attempts,
			"last_error":    lastErr,
		})
	if result.Error != nil {
		return task.Status, result.Error
	}
	if result.RowsAffected == 0 {
		return task.Status, utils.ErrConcurrentUpdate
	}

	task.Status = status
	task.AttemptCount = attempts
	task.LastError = lastErr
	return status, nil
}

// TeamCompleteBizKey business key of a team's completion callback
func TeamCompleteBizKey(teamID string) string {
	return teamID + "_complete"
}

// RefundBizKey business key of an order's refund callback
func RefundBizKey(teamID, orderID string) string {
	return fmt.Sprintf("%s_refund_%s", teamID, orderID)
}

// NewTeamCompleteTask builds the completion callback of a filled team
func NewTeamCompleteTask(team *model.Team, outTradeNos []string) (*model.NotifyTask, error) {
	if outTradeNos == nil {
		outTradeNos = []string{}
	}
	payload, err := json.Marshal(model.TeamCompletePayload{
		TeamID:         team.TeamID,
		OutTradeNoList: outTradeNos,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal complete payload: %w", err)
	}

	cfg := team.NotifyConfig()
	notifyType := cfg.Type
	if !notifyType.Valid() {
		notifyType = model.NotifyTypeHTTP
	}
	return &model.NotifyTask{
		ActivityID:  team.ActivityID,
		TeamID:      team.TeamID,
		BizKey:      TeamCompleteBizKey(team.TeamID),
		Category:    model.CategoryTeamComplete,
		NotifyType:  notifyType.String(),
		Destination: cfg.Destination,
		Payload:     string(payload),
		Status:      model.NotifyStatusPending,
	}, nil
}

// NewRefundTask builds the callback of a paid refund, delivered to topic
func NewRefundTask(refundType model.RefundType, order *model.OrderDetail, topic string) (*model.NotifyTask, error) {
	payload, err := json.Marshal(model.RefundPayload{
		Type:       refundType.String(),
		UserID:     order.UserID,
		TeamID:     order.TeamID,
		OrderID:    order.OrderID,
		ActivityID: order.ActivityID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refund payload: %w", err)
	}

	return &model.NotifyTask{
		ActivityID:  order.ActivityID,
		TeamID:      order.TeamID,
		BizKey:      RefundBizKey(order.TeamID, order.OrderID),
		Category:    model.CategoryRefund,
		NotifyType:  model.NotifyTypeMQ.String(),
		Destination: topic,
		Payload:     string(payload),
		Status:      model.NotifyStatusPending,
	}, nil
}
