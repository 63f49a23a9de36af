package drive

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"file-manager/identity"
	"file-manager/queue"
	"file-manager/tree"
)

// Share grants the recipient read access to the selection below parentID
// and sends them one notification. An unknown email is not an error; the
// call succeeds without doing anything.
func (s *Service) Share(ctx context.Context, owner, parentID uint64, sel tree.Selection, email string) (res Result, err error) {
	defer func() { s.metrics.record("share", err) }()
	if sel.Empty() {
		return Result{Message: MsgSelectShare}, nil
	}

	recipient, err := s.users.FindUserByEmail(ctx, email)
	if errors.Is(err, identity.ErrUserNotFound) {
		s.log.Debug("share to unknown recipient ignored", zap.Uint64("owner", owner))
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}

	var files []tree.Node
	if sel.All {
		parent, err := s.folder(ctx, owner, parentID)
		if err != nil {
			return Result{}, err
		}
		files, err = s.tree.Children(ctx, parent.ID)
		if err != nil {
			return Result{}, err
		}
	} else {
		files, err = s.tree.Nodes(ctx, owner, sel.IDs)
		if err != nil {
			return Result{}, err
		}
	}
	if len(files) == 0 {
		return Result{}, nil
	}

	ids := make([]uint64, len(files))
	refs := make([]queue.FileRef, len(files))
	for i, f := range files {
		ids[i] = f.ID
		refs[i] = queue.FileRef{ID: f.ID, Name: f.Name, IsFolder: f.IsFolder}
	}
	granted, err := s.tree.Grant(ctx, ids, recipient.ID)
	if err != nil {
		return Result{}, err
	}

	notice := queue.ShareNotice{
		RecipientID:    recipient.ID,
		RecipientEmail: recipient.Email,
		SharerID:       owner,
		Files:          refs,
	}
	if sharer, err := s.users.Get(ctx, owner); err == nil {
		notice.SharerEmail = sharer.Email
		notice.SharerName = sharer.Name
	}
	if err := s.notifier.SendShareNotification(ctx, notice); err != nil {
		s.log.Warn("failed to queue share notification",
			zap.Uint64("recipient", recipient.ID),
			zap.Error(err))
	}

	s.log.Info("shared files",
		zap.Uint64("owner", owner),
		zap.Uint64("recipient", recipient.ID),
		zap.Int("files", len(files)),
		zap.Int("granted", granted))
	return Result{Granted: granted}, nil
}
