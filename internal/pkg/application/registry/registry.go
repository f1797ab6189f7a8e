package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/diwise/context-broker/pkg/ngsild/client"
	ngsierrors "github.com/diwise/context-broker/pkg/ngsild/errors"
	"github.com/diwise/context-broker/pkg/ngsild/types"
	"github.com/diwise/context-broker/pkg/ngsild/types/entities"
	. "github.com/diwise/context-broker/pkg/ngsild/types/entities/decorators"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"

	"github.com/jzerfowski/fieldline-lsl/domain"
)

var tracer = otel.Tracer("fieldline-lsl/registry")

const (
	deviceIDPrefix = "urn:ngsi-ld:Device:fieldline:"
	deviceTypeName = "Device"
)

// RegisterChassis publishes one Device entity per connected chassis to an
// NGSI-LD context broker, so the hardware inventory is visible alongside
// the recorded streams. Registration is best effort; a broker failure never
// stops the stream.
func RegisterChassis(ctx context.Context, cbClient client.ContextBrokerClient, chassis []domain.ChassisDescriptor) error {
	var err error

	ctx, span := tracer.Start(ctx, "register-chassis")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	_, ctx, logger := o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

	headers := map[string][]string{"Content-Type": {"application/ld+json"}}

	var errs []error

	for _, c := range chassis {
		decorators := []entities.EntityDecoratorFunc{
			entities.DefaultContext(),
			Text("name", c.Name),
			Text("serialNumber", c.Serial),
			Text("softwareVersion", c.Version),
			Number("chassisId", float64(c.ChassisID)),
		}

		entityID := deviceIDPrefix + c.Serial

		var fragment types.EntityFragment
		fragment, err = entities.NewFragment(decorators...)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to create entity fragment: %w", err))
			continue
		}

		_, err = cbClient.MergeEntity(ctx, entityID, fragment, headers)
		if err == nil {
			logger.Info().Msgf("updated entity %s", entityID)
			continue
		}

		if !errors.Is(err, ngsierrors.ErrNotFound) {
			logger.Error().Err(err).Msg("failed to merge entity")
		}

		var entity types.Entity
		entity, err = entities.New(entityID, deviceTypeName, decorators...)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to create new entity: %w", err))
			continue
		}

		_, err = cbClient.CreateEntity(ctx, entity, headers)
		if err != nil {
			logger.Error().Err(err).Msg("failed to post entity to context broker")
			errs = append(errs, err)
			continue
		}

		logger.Info().Msgf("created entity %s", entityID)
	}

	err = errors.Join(errs...)
	return err
}
