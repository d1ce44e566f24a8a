package providers

import (
	"fmt"

	"github.com/samber/do/v2"

	"github.com/grimoireapp/grimoire-server/internal/config"
	"github.com/grimoireapp/grimoire-server/internal/logger"
	"github.com/grimoireapp/grimoire-server/internal/media/images"
)

// ProvideImageStorage provides the cover image storage backend selected
// by configuration.
func ProvideImageStorage(i do.Injector) (images.Storage, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	switch cfg.Storage.Backend {
	case config.StorageLocal:
		storage, err := images.NewLocalStorage(cfg.ImagesPath())
		if err != nil {
			return nil, err
		}
		log.Info("Image storage ready", "backend", "local", "path", cfg.ImagesPath())
		return storage, nil

	case config.StorageRemote:
		storage, err := images.NewRemoteStorage(cfg.Storage.RemoteURL)
		if err != nil {
			return nil, err
		}
		log.Info("Image storage ready", "backend", "remote", "url", cfg.Storage.RemoteURL)
		return storage, nil

	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Storage.Backend)
	}
}

// ProvideImageProcessor provides the cover image processor.
func ProvideImageProcessor(i do.Injector) (*images.Processor, error) {
	return images.NewProcessor(), nil
}
