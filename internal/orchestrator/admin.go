package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/eumetnet/apikey-manager/internal/apisix"
	"github.com/eumetnet/apikey-manager/internal/fanout"
	"github.com/eumetnet/apikey-manager/internal/keycloak"
)

// UserNotFoundError reports an unknown identity-provider user.
type UserNotFoundError struct {
	UUID string
}

func (e *UserNotFoundError) Error() string {
	return fmt.Sprintf("User %s not found", e.UUID)
}

// GroupNotFoundError reports an unknown identity-provider group.
type GroupNotFoundError struct {
	Name string
}

func (e *GroupNotFoundError) Error() string {
	return fmt.Sprintf("Group '%s' not found", e.Name)
}

// Admin sequences identity-provider changes around key-lifecycle changes.
type Admin struct {
	kc   *keycloak.Client
	orch *Orchestrator
}

// NewAdmin creates the admin orchestrator.
func NewAdmin(kc *keycloak.Client, orch *Orchestrator) *Admin {
	return &Admin{kc: kc, orch: orch}
}

// DeleteUser removes the user's key material from every backend instance and
// then deletes the identity-provider user. If the identity-provider delete
// fails, the removed key state is restored.
func (a *Admin) DeleteUser(ctx context.Context, userUUID string) error {
	return a.deleteOrDisable(ctx, userUUID, false)
}

// DisableUser removes the user's key material and marks the
// identity-provider user disabled. A disabled user keeps their identity but
// can no longer hold a key.
func (a *Admin) DisableUser(ctx context.Context, userUUID string) error {
	return a.deleteOrDisable(ctx, userUUID, true)
}

func (a *Admin) deleteOrDisable(ctx context.Context, userUUID string, disable bool) error {
	user, err := a.kc.GetUser(ctx, userUUID)
	if err != nil {
		return err
	}
	if user == nil || user.ID == "" {
		return &UserNotFoundError{UUID: userUUID}
	}

	id, err := CompactID(userUUID)
	if err != nil {
		return &UserNotFoundError{UUID: userUUID}
	}

	records, consumers, err := a.orch.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if anyPresent(records) || anyPresent(consumers) {
		log.Debug().Str("user", id).Msg("removing existing key material")
		if err := a.orch.deleteCombined(ctx, id, records, consumers); err != nil {
			return err
		}
	}

	if disable {
		enabled := false
		err = a.kc.UpdateUser(ctx, userUUID, &keycloak.User{Enabled: &enabled})
	} else {
		err = a.kc.DeleteUser(ctx, userUUID)
	}
	if err != nil {
		log.Warn().Str("user", userUUID).
			Msg("identity-provider change failed, restoring removed key material")
		a.orch.Restore(ctx, records, consumers)
		return err
	}
	return nil
}

// EnableUser re-enables a disabled identity-provider user. Key material is
// not touched: the user requests a fresh key themselves.
func (a *Admin) EnableUser(ctx context.Context, userUUID string) error {
	user, err := a.kc.GetUser(ctx, userUUID)
	if err != nil {
		return err
	}
	if user == nil || user.ID == "" {
		return &UserNotFoundError{UUID: userUUID}
	}
	enabled := true
	user.Enabled = &enabled
	return a.kc.UpdateUser(ctx, userUUID, user)
}

// AddUserToGroup adds the user to the named group and, when the group is
// mirrored to the gateway, updates every existing consumer accordingly.
func (a *Admin) AddUserToGroup(ctx context.Context, userUUID, groupName string) error {
	return a.modifyGroup(ctx, userUUID, groupName, true)
}

// RemoveUserFromGroup removes the user from the named group, with the same
// gateway propagation as AddUserToGroup.
func (a *Admin) RemoveUserFromGroup(ctx context.Context, userUUID, groupName string) error {
	return a.modifyGroup(ctx, userUUID, groupName, false)
}

func (a *Admin) modifyGroup(ctx context.Context, userUUID, groupName string, add bool) error {
	groups, err := a.kc.ListGroups(ctx)
	if err != nil {
		return err
	}
	var group *keycloak.Group
	for i := range groups {
		if groups[i].Name == groupName {
			group = &groups[i]
			break
		}
	}
	if group == nil {
		return &GroupNotFoundError{Name: groupName}
	}

	user, err := a.kc.GetUser(ctx, userUUID)
	if err != nil {
		return err
	}
	if user == nil || user.ID == "" {
		return &UserNotFoundError{UUID: userUUID}
	}

	if add {
		err = a.kc.AddUserToGroup(ctx, userUUID, group.ID)
	} else {
		err = a.kc.RemoveUserFromGroup(ctx, userUUID, group.ID)
	}
	if err != nil {
		return err
	}

	// USER and ADMIN exist only in the identity provider.
	if group.Name != keycloak.GroupEumetnet {
		return nil
	}

	// Recompute the consumer-group reference from the membership the
	// identity provider now reports, not from what we just asked for; a
	// concurrent admin change wins either way.
	memberships, err := a.kc.ListUserGroups(ctx, userUUID)
	if err != nil {
		return err
	}
	names := make([]string, len(memberships))
	for i, g := range memberships {
		names[i] = g.Name
	}
	desired := desiredGroupID(names)

	id, err := CompactID(userUUID)
	if err != nil {
		return &UserNotFoundError{UUID: userUUID}
	}
	_, consumers, err := a.orch.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if !anyPresent(consumers) {
		return nil
	}

	priors := make(map[string]*apisix.Consumer)
	for i, c := range consumers {
		if c != nil {
			priors[a.orch.gateways[i].Name()] = c
		}
	}

	undos := &undoLog{}
	outcomes := fanout.Run(ctx, a.orch.gateways, func(ctx context.Context, c *apisix.Client) (*apisix.Consumer, error) {
		stored, err := c.UpsertConsumer(ctx, c.NewConsumer(id, desired))
		if err == nil {
			if prior := priors[c.Name()]; prior != nil {
				undos.add("restore consumer on "+c.Name(), func(ctx context.Context) error {
					_, err := c.UpsertConsumer(ctx, prior)
					return err
				})
			} else {
				undos.add("delete consumer on "+c.Name(), func(ctx context.Context) error {
					return c.DeleteConsumer(ctx, id)
				})
			}
		}
		return stored, err
	})

	if err := fanout.FirstError(outcomes); err != nil {
		log.Warn().Str("user", userUUID).Str("group", groupName).
			Msg("gateway update failed, reversing the membership change")
		var reverseErr error
		if add {
			reverseErr = a.kc.RemoveUserFromGroup(ctx, userUUID, group.ID)
		} else {
			reverseErr = a.kc.AddUserToGroup(ctx, userUUID, group.ID)
		}
		if reverseErr != nil {
			log.Warn().Err(reverseErr).Str("user", userUUID).
				Msg("failed to reverse the membership change")
		}
		undos.rollback(ctx, "group")
		return err
	}
	return nil
}

func anyPresent[T any](values []*T) bool {
	for _, v := range values {
		if v != nil {
			return true
		}
	}
	return false
}
