package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/groupsync/internal/model"
)

// AccountQuery はアカウント検索条件を表す。
type AccountQuery struct {
	field string
	value string
}

// ByEmail はメールアドレスによる検索条件を返す。
func ByEmail(email string) AccountQuery {
	return AccountQuery{field: "email", value: email}
}

// ByFullName は氏名による検索条件を返す。
func ByFullName(name string) AccountQuery {
	return AccountQuery{field: "name", value: name}
}

// String はディレクトリAPIのクエリ構文で条件を返す。
func (q AccountQuery) String() string {
	return fmt.Sprintf("%s='%s'", q.field, q.value)
}

// NewAccount はアカウント作成時の指定内容を表す。
type NewAccount struct {
	PrimaryEmail string
	GivenName    string
	FamilyName   string
	Password     string
	OrgUnitPath  string
}

type usersResponse struct {
	Users []model.Account `json:"users"`
}

type groupsResponse struct {
	Groups []model.Group `json:"groups"`
}

type orgUnitsResponse struct {
	OrganizationUnits []model.OrgUnit `json:"organizationUnits"`
}

// FindAccount は条件に一致するアカウントを返す。見つからない場合はnil。
// 複数件一致した場合は同定できないため、警告を記録してnilを返す。
func (c *Client) FindAccount(ctx context.Context, q AccountQuery) (*model.Account, error) {
	query := url.Values{}
	query.Set("domain", c.domain)
	query.Set("query", q.String())
	query.Set("maxResults", "2")

	body, err := c.do(ctx, http.MethodGet, "/admin/directory/v1/users?"+query.Encode(), nil)
	if err != nil {
		if model.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var resp usersResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse users response: %w", err)
	}

	switch len(resp.Users) {
	case 0:
		return nil, nil
	case 1:
		return &resp.Users[0], nil
	default:
		c.logger.Warn("account query matched multiple users, treating as not found",
			slog.String("field", q.field),
			slog.String("value", q.value),
		)
		return nil, nil
	}
}

// CreateAccount はアカウントを作成する。
func (c *Client) CreateAccount(ctx context.Context, acct NewAccount) (*model.Account, error) {
	payload := map[string]any{
		"primaryEmail": acct.PrimaryEmail,
		"name": map[string]string{
			"givenName":  acct.GivenName,
			"familyName": acct.FamilyName,
		},
		"password":    acct.Password,
		"orgUnitPath": acct.OrgUnitPath,
	}

	body, err := c.do(ctx, http.MethodPost, "/admin/directory/v1/users", payload)
	if err != nil {
		return nil, err
	}

	var created model.Account
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("failed to parse created account: %w", err)
	}
	return &created, nil
}

// FindGroup はメールアドレスでグループを検索する。見つからない場合はnil。
func (c *Client) FindGroup(ctx context.Context, email string) (*model.Group, error) {
	query := url.Values{}
	query.Set("domain", c.domain)
	query.Set("query", fmt.Sprintf("email='%s'", email))

	body, err := c.do(ctx, http.MethodGet, "/admin/directory/v1/groups?"+query.Encode(), nil)
	if err != nil {
		if model.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var resp groupsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse groups response: %w", err)
	}
	if len(resp.Groups) == 0 {
		return nil, nil
	}
	return &resp.Groups[0], nil
}

// FindGroups は名前が指定のプレフィックスで始まるグループの一覧を返す。
func (c *Client) FindGroups(ctx context.Context, namePrefix string) ([]model.Group, error) {
	query := url.Values{}
	query.Set("domain", c.domain)
	query.Set("query", fmt.Sprintf("name:%s*", namePrefix))

	body, err := c.do(ctx, http.MethodGet, "/admin/directory/v1/groups?"+query.Encode(), nil)
	if err != nil {
		if model.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var resp groupsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse groups response: %w", err)
	}
	return resp.Groups, nil
}

// CreateGroup はグループを作成し、権限設定を適用する。
// 既存と重複した場合は、伝播待ちの後に既存グループを取得して返す。
// 並行する別のランが先に作成したケースをここで吸収する。
func (c *Client) CreateGroup(ctx context.Context, spec model.GroupSpec, perms model.GroupPermissions) (*model.Group, error) {
	body, err := c.do(ctx, http.MethodPost, "/admin/directory/v1/groups", spec)
	if err != nil {
		if !model.IsAlreadyExists(err) {
			return nil, err
		}

		c.logger.Info("group already exists, fetching after settle delay",
			slog.String("email", spec.Email),
			slog.Duration("delay", c.settleDelay),
		)
		if err := c.sleep(ctx, c.settleDelay); err != nil {
			return nil, err
		}

		existing, err := c.FindGroup(ctx, spec.Email)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, &model.ProviderError{
				Kind:     model.KindUnknown,
				Provider: "directory",
				Message:  fmt.Sprintf("group %s reported as duplicate but not found", spec.Email),
			}
		}
		return existing, nil
	}

	var created model.Group
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("failed to parse created group: %w", err)
	}

	if err := c.UpdateGroupSettings(ctx, created.Email, perms); err != nil {
		return nil, fmt.Errorf("failed to apply group settings to %s: %w", created.Email, err)
	}

	return &created, nil
}

// UpdateGroupSettings はグループの権限設定を更新する。
func (c *Client) UpdateGroupSettings(ctx context.Context, groupEmail string, perms model.GroupPermissions) error {
	path := "/groups/v1/groups/" + url.PathEscape(groupEmail)
	_, err := c.do(ctx, http.MethodPut, path, perms)
	return err
}

// AddMember はグループにメンバーを追加する。
// 追加済み、またはアカウント不在の場合は何もせず成功扱いとする。
// 追加を実行した場合にtrueを返す。
func (c *Client) AddMember(ctx context.Context, groupID, email string) (bool, error) {
	payload := map[string]string{
		"email": email,
		"role":  "MEMBER",
	}

	path := "/admin/directory/v1/groups/" + url.PathEscape(groupID) + "/members"
	_, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		if model.IsAlreadyExists(err) || model.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RemoveMember はグループからメンバーを削除する。
// 元々メンバーでない場合は何もせず成功扱いとする。
// 削除を実行した場合にtrueを返す。
func (c *Client) RemoveMember(ctx context.Context, groupID, email string) (bool, error) {
	path := "/admin/directory/v1/groups/" + url.PathEscape(groupID) + "/members/" + url.PathEscape(email)
	_, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		if model.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListOrgUnits は指定パス配下の組織部門の一覧を返す。
func (c *Client) ListOrgUnits(ctx context.Context, path string) ([]model.OrgUnit, error) {
	query := url.Values{}
	query.Set("orgUnitPath", path)
	query.Set("type", "all")

	body, err := c.do(ctx, http.MethodGet, "/admin/directory/v1/customer/my_customer/orgunits?"+query.Encode(), nil)
	if err != nil {
		if model.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var resp orgUnitsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse org units response: %w", err)
	}
	return resp.OrganizationUnits, nil
}
