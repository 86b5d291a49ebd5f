// Package reconcile は人物単位の調整ロジックを提供する。
// ロスター上の1人につき、ターゲットアカウントの解決、コホートグループの
// 解決・作成、メンバーシップの追加・剪定を行い、結果をOutcomeとして返す。
package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/hitoshi/groupsync/internal/directory"
	"github.com/hitoshi/groupsync/internal/model"
)

// DirectoryService はターゲットディレクトリへの操作を抽象化する。
type DirectoryService interface {
	FindAccount(ctx context.Context, q directory.AccountQuery) (*model.Account, error)
	CreateAccount(ctx context.Context, acct directory.NewAccount) (*model.Account, error)
	FindGroup(ctx context.Context, email string) (*model.Group, error)
	FindGroups(ctx context.Context, namePrefix string) ([]model.Group, error)
	CreateGroup(ctx context.Context, spec model.GroupSpec, perms model.GroupPermissions) (*model.Group, error)
	AddMember(ctx context.Context, groupID, email string) (bool, error)
	RemoveMember(ctx context.Context, groupID, email string) (bool, error)
	ListOrgUnits(ctx context.Context, path string) ([]model.OrgUnit, error)
}

// RosterService はソースロスターへの操作を抽象化する。
type RosterService interface {
	GetUser(ctx context.Context, id int64) (*model.RosterPerson, error)
	UpdateEmail(ctx context.Context, id int64, email string) error
}

// Reconciler は1人分の調整を実行する。
type Reconciler interface {
	Reconcile(ctx context.Context, person *model.RosterPerson) model.ReconcileOutcome
}

// GroupEmail は(プレフィックス, 卒業年度, ドメイン)からグループの
// メールアドレスを決定論的に導出する。年度は下2桁に短縮される。
func GroupEmail(prefix, year, domain string) (string, error) {
	if len(year) < 2 || !isDigits(year) {
		return "", &model.ProviderError{
			Kind:    model.KindValidation,
			Message: fmt.Sprintf("invalid cohort year %q", year),
		}
	}
	return prefix + year[len(year)-2:] + "@" + domain, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// yearSuffix は4桁年度の下2桁を返す。
func yearSuffix(year string) string {
	return year[len(year)-2:]
}

// ensureGroup はグループを取得し、存在しなければ作成して返す。
func ensureGroup(ctx context.Context, svc DirectoryService, spec model.GroupSpec, perms model.GroupPermissions) (*model.Group, error) {
	group, err := svc.FindGroup(ctx, spec.Email)
	if err != nil {
		return nil, err
	}
	if group != nil {
		return group, nil
	}
	return svc.CreateGroup(ctx, spec, perms)
}

// outcomeFrom は収集したエラー・警告メッセージから最終的なOutcomeを組み立てる。
func outcomeFrom(errs, warns []string) model.ReconcileOutcome {
	switch {
	case len(errs) > 0:
		return model.Errorf("%s", strings.Join(errs, "; "))
	case len(warns) > 0:
		return model.Warningf("%s", strings.Join(warns, "; "))
	default:
		return model.Success()
	}
}
