package app

import (
	"context"

	"xchat/internal/model"
)

func (c *App) getIdentityAndCreateIfNotExist(ctx context.Context, label string) (*model.Identity, error) {
	identity, err := c.identityRepo.GetByLabel(ctx, label)
	if err != nil {
		return nil, err
	}

	if identity != nil {
		return identity, nil
	}

	return c.identityRepo.Generate(ctx, label)
}
