package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hitoshi/groupsync/internal/config"
	"github.com/hitoshi/groupsync/internal/directory"
	"github.com/hitoshi/groupsync/internal/model"
)

// maxAddressCollisions はアカウント作成時に候補アドレスへ付与する
// 数字サフィックスの上限。
const maxAddressCollisions = 10

// StudentReconciler は生徒1人分の調整を実行する。
// アカウントの解決（必要なら作成）、ロスターへのメール逆同期、
// コホートグループへの追加を行う。
type StudentReconciler struct {
	directory DirectoryService
	roster    RosterService
	config    *config.Config
	logger    *slog.Logger
}

// NewStudentReconciler はStudentReconcilerを生成する。
func NewStudentReconciler(dir DirectoryService, ros RosterService, cfg *config.Config, logger *slog.Logger) *StudentReconciler {
	return &StudentReconciler{
		directory: dir,
		roster:    ros,
		config:    cfg,
		logger:    logger,
	}
}

// Reconcile は生徒1人を調整する。
// 1人分のエラーはOutcomeに閉じ込め、呼び出し側へは伝播させない。
func (r *StudentReconciler) Reconcile(ctx context.Context, person *model.RosterPerson) model.ReconcileOutcome {
	fullName := person.FullName()

	yearInt, err := strconv.Atoi(person.GradYear)
	if err != nil || len(person.GradYear) < 2 {
		return model.Errorf("unparsable cohort year %q for %s", person.GradYear, fullName)
	}

	account, err := r.resolveAccount(ctx, person)
	if err != nil {
		return model.Errorf("failed to resolve account for %s: %v", fullName, err)
	}

	var warns []string

	if account == nil {
		if !r.config.AccountCreationEnabled {
			r.logger.Error("no target account found",
				slog.String("person", fullName),
				slog.String("grad_year", person.GradYear),
			)
			return model.Errorf("no target account found for %s", fullName)
		}

		if yearInt < r.config.AccountMinGradYear {
			r.logger.Info("cohort year below account creation threshold, skipping",
				slog.String("person", fullName),
				slog.String("grad_year", person.GradYear),
			)
			return model.Success()
		}

		account, warns, err = r.createAccount(ctx, person)
		if err != nil {
			return model.Errorf("failed to create account for %s: %v", fullName, err)
		}
		r.logger.Info("created target account",
			slog.String("person", fullName),
			slog.String("email", account.PrimaryEmail),
		)
	}

	if r.config.SyncStudentEmailsEnabled && !strings.EqualFold(person.Email, account.PrimaryEmail) {
		if err := r.roster.UpdateEmail(ctx, person.ID, account.PrimaryEmail); err != nil {
			r.logger.Warn("failed to update roster email",
				slog.String("person", fullName),
				slog.String("error", err.Error()),
			)
			warns = append(warns, fmt.Sprintf("failed to update roster email for %s: %v", fullName, err))
		} else {
			r.logger.Info("updated roster email",
				slog.String("person", fullName),
				slog.String("email", account.PrimaryEmail),
			)
		}
	}

	groupEmail, err := GroupEmail(r.config.StudentGroupPrefix, person.GradYear, r.config.DirectoryDomain)
	if err != nil {
		return model.Errorf("failed to derive group address for %s: %v", fullName, err)
	}

	group, err := ensureGroup(ctx, r.directory, model.GroupSpec{
		Email:       groupEmail,
		Name:        r.config.StudentGroupName + " " + person.GradYear,
		Description: "Students Class of " + person.GradYear,
	}, r.config.StudentGroupPermissions)
	if err != nil {
		return model.Errorf("failed to resolve group %s: %v", groupEmail, err)
	}

	memberEmail := person.Email
	if memberEmail == "" {
		memberEmail = account.PrimaryEmail
	}

	added, err := r.directory.AddMember(ctx, group.ID, memberEmail)
	if err != nil {
		return model.Errorf("failed to add %s to group %s: %v", memberEmail, groupEmail, err)
	}
	if added {
		r.logger.Info("added member to group",
			slog.String("email", memberEmail),
			slog.String("group", groupEmail),
		)
	} else {
		r.logger.Info("member already in group",
			slog.String("email", memberEmail),
			slog.String("group", groupEmail),
		)
	}

	return outcomeFrom(nil, warns)
}

// resolveAccount は検索条件のラダーでアカウントを解決する。
// 一致したアカウントのメールアドレスが卒業年度の下2桁を含まない場合は
// 別人とみなして一致なし扱いにする。
func (r *StudentReconciler) resolveAccount(ctx context.Context, person *model.RosterPerson) (*model.Account, error) {
	queries := make([]directory.AccountQuery, 0, 3)
	if person.Email != "" {
		queries = append(queries, directory.ByEmail(person.Email))
	}
	queries = append(queries, directory.ByFullName(person.FullName()))
	if person.PreferredName != "" {
		queries = append(queries, directory.ByFullName(person.PreferredFullName()))
	}

	for _, q := range queries {
		account, err := r.directory.FindAccount(ctx, q)
		if err != nil {
			return nil, err
		}
		if account == nil {
			continue
		}

		if !strings.Contains(strings.ToLower(account.PrimaryEmail), yearSuffix(person.GradYear)) {
			r.logger.Warn("matched account does not correspond to cohort, ignoring",
				slog.String("person", person.FullName()),
				slog.String("matched", account.PrimaryEmail),
				slog.String("grad_year", person.GradYear),
			)
			continue
		}
		return account, nil
	}
	return nil, nil
}

// createAccount は決定論的に導出したアドレスでアカウントを作成する。
// アドレスが衝突する場合は既存の衝突数を数字サフィックスとして付与する。
func (r *StudentReconciler) createAccount(ctx context.Context, person *model.RosterPerson) (*model.Account, []string, error) {
	local := accountLocalPart(person.FirstName, person.LastName) + yearSuffix(person.GradYear)

	address := local + "@" + r.config.DirectoryDomain
	collisions := 0
	for {
		existing, err := r.directory.FindAccount(ctx, directory.ByEmail(address))
		if err != nil {
			return nil, nil, err
		}
		if existing == nil {
			break
		}
		collisions++
		if collisions > maxAddressCollisions {
			return nil, nil, fmt.Errorf("too many address collisions for %s", local)
		}
		address = local + strconv.Itoa(collisions) + "@" + r.config.DirectoryDomain
	}

	orgUnitPath, warns := r.resolveOrgUnit(ctx, person)

	account, err := r.directory.CreateAccount(ctx, directory.NewAccount{
		PrimaryEmail: address,
		GivenName:    person.FirstName,
		FamilyName:   person.LastName,
		Password:     r.config.DefaultAccountPassword,
		OrgUnitPath:  orgUnitPath,
	})
	if err != nil {
		return nil, nil, err
	}
	return account, warns, nil
}

// resolveOrgUnit はデフォルトパス配下からコホート名の組織部門を探す。
// 見つからない場合は警告付きでデフォルトパスへフォールバックする。
func (r *StudentReconciler) resolveOrgUnit(ctx context.Context, person *model.RosterPerson) (string, []string) {
	units, err := r.directory.ListOrgUnits(ctx, r.config.DefaultOrgUnitPath)
	if err == nil {
		for _, unit := range units {
			if unit.Name == person.GradYear {
				return unit.OrgUnitPath, nil
			}
		}
	}

	msg := fmt.Sprintf("no org unit for cohort %s, using default path %s", person.GradYear, r.config.DefaultOrgUnitPath)
	r.logger.Warn("org unit fallback",
		slog.String("person", person.FullName()),
		slog.String("grad_year", person.GradYear),
		slog.String("path", r.config.DefaultOrgUnitPath),
	)
	return r.config.DefaultOrgUnitPath, []string{msg}
}

// accountLocalPart は姓名からアドレスのローカル部を導出する。
func accountLocalPart(first, last string) string {
	clean := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		return strings.ReplaceAll(s, " ", "")
	}
	return clean(first) + "." + clean(last)
}
