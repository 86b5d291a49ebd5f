package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/hitoshi/groupsync/internal/model"
)

// rolesResponse はGET rolesのレスポンス。
type rolesResponse struct {
	Value []model.Role `json:"value"`
}

// userPayload はロスターAPIのユーザー表現。
// 卒業年度はstudent_infoの下にネストされている。
type userPayload struct {
	ID            int64                `json:"id"`
	FirstName     string               `json:"first_name"`
	LastName      string               `json:"last_name"`
	PreferredName string               `json:"preferred_name"`
	Email         string               `json:"email"`
	Roles         []model.Role         `json:"roles"`
	StudentInfo   studentInfo          `json:"student_info"`
	Relationships []model.Relationship `json:"relationships"`
}

type studentInfo struct {
	GradYear string `json:"grad_year"`
}

func (u *userPayload) toModel() model.RosterPerson {
	return model.RosterPerson{
		ID:            u.ID,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		PreferredName: u.PreferredName,
		Email:         u.Email,
		Roles:         u.Roles,
		GradYear:      u.StudentInfo.GradYear,
		Relationships: u.Relationships,
	}
}

// usersPage はページネーションされたユーザー一覧のレスポンス。
type usersPage struct {
	Count    int           `json:"count"`
	Value    []userPayload `json:"value"`
	NextLink string        `json:"next_link"`
}

// ListRoles は全ロールの一覧を取得する。
func (c *Client) ListRoles(ctx context.Context) ([]model.Role, error) {
	body, err := c.do(ctx, "GET", "roles", nil, nil)
	if err != nil {
		return nil, err
	}

	var resp rolesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse roles response: %w", err)
	}

	return resp.Value, nil
}

// FindRole は指定名のロールを返す。見つからない場合はnilを返す。
func (c *Client) FindRole(ctx context.Context, name string) (*model.Role, error) {
	roles, err := c.ListRoles(ctx)
	if err != nil {
		return nil, err
	}

	for i := range roles {
		if roles[i].Name == name {
			return &roles[i], nil
		}
	}
	return nil, nil
}

// ListUsersByRole は指定ロールを持つ全ユーザーを取得する。
// next_linkのmarkerを辿ってページネーションを最後まで処理し、
// 全ページを連結して返す。関係情報を含む拡張表現を取得する。
func (c *Client) ListUsersByRole(ctx context.Context, roleName string) ([]model.RosterPerson, error) {
	role, err := c.FindRole(ctx, roleName)
	if err != nil {
		return nil, err
	}
	if role == nil {
		return nil, &model.ProviderError{
			Kind:     model.KindNotFound,
			Provider: "roster",
			Message:  fmt.Sprintf("role %q not found", roleName),
		}
	}

	roleID := strconv.FormatInt(role.BaseRoleID, 10)

	var users []model.RosterPerson
	marker := 0

	for {
		query := url.Values{
			"roles":         {roleID},
			"base_role_ids": {roleID},
		}
		if marker > 0 {
			query.Set("marker", strconv.Itoa(marker))
		}

		body, err := c.do(ctx, "GET", "users/extended", query, nil)
		if err != nil {
			return nil, err
		}

		var page usersPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to parse users response: %w", err)
		}

		for i := range page.Value {
			users = append(users, page.Value[i].toModel())
		}

		marker = extractMarker(page.NextLink)
		if marker == 0 {
			break
		}
	}

	c.logger.Info("roster users fetched",
		slog.String("role", roleName),
		slog.Int("count", len(users)),
	)

	return users, nil
}

// extractMarker はnext_linkからmarkerクエリパラメータを取り出す。
// リンクが無い、またはmarkerが無い場合は0を返す（最終ページ）。
func extractMarker(nextLink string) int {
	if nextLink == "" {
		return 0
	}

	u, err := url.Parse(nextLink)
	if err != nil {
		return 0
	}

	marker, err := strconv.Atoi(u.Query().Get("marker"))
	if err != nil {
		return 0
	}
	return marker
}

// GetUser は指定IDのユーザーを取得する。
func (c *Client) GetUser(ctx context.Context, id int64) (*model.RosterPerson, error) {
	body, err := c.do(ctx, "GET", "users/"+strconv.FormatInt(id, 10), nil, nil)
	if err != nil {
		return nil, err
	}

	var payload userPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse user response: %w", err)
	}

	person := payload.toModel()
	return &person, nil
}

// UpdateEmail は指定ユーザーのメールアドレスを更新する。
func (c *Client) UpdateEmail(ctx context.Context, id int64, email string) error {
	payload := map[string]any{
		"id":    id,
		"email": email,
	}

	if _, err := c.do(ctx, "PATCH", "users", nil, payload); err != nil {
		return err
	}
	return nil
}

// Me は認証済みユーザー自身の情報を取得する。
// クレデンシャルが使用可能かどうかの軽量なプローブとして使う。
func (c *Client) Me(ctx context.Context) (*model.RosterPerson, error) {
	body, err := c.do(ctx, "GET", "users/me", nil, nil)
	if err != nil {
		return nil, err
	}

	var payload userPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse user response: %w", err)
	}

	person := payload.toModel()
	return &person, nil
}
