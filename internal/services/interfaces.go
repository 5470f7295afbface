package services

import (
	"context"

	"realtime-collab/internal/models"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES

Interfaces are declared where they are used. The recorder only needs to
append changes, so that is all it asks of the repository. The concrete
repository never imports this package.
*/

// ChangeRepository is what the change recorder needs from storage
type ChangeRepository interface {
	StoreChange(ctx context.Context, change models.TextChange) error
}
