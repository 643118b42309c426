package main

import (
	"context"

	"github.com/viam-modules/stepper-drivers/a4988"
	"github.com/viam-modules/stepper-drivers/uln2003"

	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/utils"
)

func main() {
	utils.ContextualMain(mainWithArgs, module.NewLoggerFromArgs("stepper-drivers"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	module, err := module.NewModuleFromArgs(ctx)
	if err != nil {
		return err
	}

	if err = module.AddModelFromRegistry(ctx, motor.API, a4988.Model); err != nil {
		return err
	}

	if err = module.AddModelFromRegistry(ctx, motor.API, uln2003.Model); err != nil {
		return err
	}

	err = module.Start(ctx)
	defer module.Close(ctx)
	if err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}
