package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/groupsync/internal/config"
	"github.com/hitoshi/groupsync/internal/model"
)

// GuardianReconciler は保護者1人分の調整を実行する。
// 保護者のグループ所属は本人ではなく、生徒ロールを持つ被後見人
// （ward）のコホート年度の集合から決まる。
type GuardianReconciler struct {
	directory DirectoryService
	roster    RosterService
	config    *config.Config
	logger    *slog.Logger

	// role はこのパスで同期対象としている保護者ロール名。
	role string
}

// NewGuardianReconciler はGuardianReconcilerを生成する。
func NewGuardianReconciler(dir DirectoryService, ros RosterService, cfg *config.Config, role string, logger *slog.Logger) *GuardianReconciler {
	return &GuardianReconciler{
		directory: dir,
		roster:    ros,
		config:    cfg,
		logger:    logger,
		role:      role,
	}
}

// Reconcile は保護者1人を調整する。
// 先に古いコホートグループからの剪定を行い、ロールを保持している場合のみ
// 現在のコホートグループへの追加を行う。
func (r *GuardianReconciler) Reconcile(ctx context.Context, person *model.RosterPerson) model.ReconcileOutcome {
	fullName := person.FullName()

	if person.Email == "" {
		r.logger.Warn("no email found for guardian, skipping",
			slog.String("person", fullName),
		)
		return model.Warningf("no email found for guardian %s", fullName)
	}

	years, warns := r.wardCohortYears(ctx, person)

	warns = append(warns, r.pruneStaleGroups(ctx, person, years)...)

	if !person.HasRole(r.role) {
		r.logger.Info("guardian no longer holds qualifying role, pruning only",
			slog.String("person", fullName),
			slog.String("role", r.role),
		)
		return outcomeFrom(nil, warns)
	}

	var errs []string

	for year := range years {
		groupEmail, err := GroupEmail(r.config.GuardianGroupPrefix, year, r.config.DirectoryDomain)
		if err != nil {
			errs = append(errs, fmt.Sprintf("failed to derive group address for cohort %s: %v", year, err))
			continue
		}

		group, err := ensureGroup(ctx, r.directory, model.GroupSpec{
			Email:       groupEmail,
			Name:        r.config.GuardianGroupName + " " + year,
			Description: "Parents of the Class of " + year,
		}, r.config.GuardianGroupPermissions)
		if err != nil {
			errs = append(errs, fmt.Sprintf("failed to resolve group %s: %v", groupEmail, err))
			continue
		}

		added, err := r.directory.AddMember(ctx, group.ID, person.Email)
		if err != nil {
			errs = append(errs, fmt.Sprintf("failed to add %s to group %s: %v", person.Email, groupEmail, err))
			continue
		}
		if added {
			r.logger.Info("added member to group",
				slog.String("email", person.Email),
				slog.String("group", groupEmail),
			)
		} else {
			r.logger.Info("member already in group",
				slog.String("email", person.Email),
				slog.String("group", groupEmail),
			)
		}
	}

	return outcomeFrom(errs, warns)
}

// wardCohortYears は生徒ロールを現在も保持する被後見人の卒業年度集合を返す。
// 年度が欠落した被後見人は警告として記録し、集合から除外する。
func (r *GuardianReconciler) wardCohortYears(ctx context.Context, person *model.RosterPerson) (map[string]struct{}, []string) {
	years := make(map[string]struct{})
	var warns []string

	for _, rel := range person.Relationships {
		if !rel.GuardianOf {
			continue
		}

		ward, err := r.roster.GetUser(ctx, rel.PersonID)
		if err != nil {
			warns = append(warns, fmt.Sprintf("failed to fetch ward %d of %s: %v", rel.PersonID, person.FullName(), err))
			continue
		}
		if !ward.HasRole(r.config.StudentRole) {
			continue
		}
		if ward.GradYear == "" {
			r.logger.Warn("ward has no cohort year, excluding",
				slog.String("guardian", person.FullName()),
				slog.String("ward", ward.FullName()),
			)
			warns = append(warns, fmt.Sprintf("ward %s of %s has no cohort year", ward.FullName(), person.FullName()))
			continue
		}
		years[ward.GradYear] = struct{}{}
	}

	return years, warns
}

// pruneStaleGroups は保護者グループの命名パターンに一致する全グループを走査し、
// 被後見人のコホート集合に含まれない年度のグループから保護者を除名する。
// 除名の失敗は警告にとどめ、実行は継続する。
func (r *GuardianReconciler) pruneStaleGroups(ctx context.Context, person *model.RosterPerson, years map[string]struct{}) []string {
	groups, err := r.directory.FindGroups(ctx, r.config.GuardianGroupName)
	if err != nil {
		return []string{fmt.Sprintf("failed to list guardian groups: %v", err)}
	}

	suffixes := make(map[string]struct{}, len(years))
	for year := range years {
		suffixes[yearSuffix(year)] = struct{}{}
	}

	var warns []string

	for _, group := range groups {
		suffix, ok := guardianGroupYearSuffix(group.Email, r.config.GuardianGroupPrefix)
		if !ok {
			continue
		}
		if _, current := suffixes[suffix]; current {
			continue
		}

		removed, err := r.directory.RemoveMember(ctx, group.ID, person.Email)
		if err != nil {
			r.logger.Warn("failed to prune guardian from stale group",
				slog.String("email", person.Email),
				slog.String("group", group.Email),
				slog.String("error", err.Error()),
			)
			warns = append(warns, fmt.Sprintf("failed to remove %s from group %s: %v", person.Email, group.Email, err))
			continue
		}
		if removed {
			r.logger.Info("removed guardian from stale cohort group",
				slog.String("email", person.Email),
				slog.String("group", group.Email),
			)
		}
	}

	return warns
}

// guardianGroupYearSuffix はグループアドレスのローカル部から年度の下2桁を
// 取り出す。保護者グループの形式に一致しないアドレスは対象外とする。
func guardianGroupYearSuffix(email, prefix string) (string, bool) {
	local, _, found := strings.Cut(email, "@")
	if !found || !strings.HasPrefix(local, prefix) {
		return "", false
	}
	suffix := strings.TrimPrefix(local, prefix)
	if len(suffix) != 2 || !isDigits(suffix) {
		return "", false
	}
	return suffix, true
}
