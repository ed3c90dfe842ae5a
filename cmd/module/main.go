package main

import (
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/movementsensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"

	"dualflow"
	"dualflow/flowsensor"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: camera.API, Model: dualflow.FlowCamera},
		resource.APIModel{API: movementsensor.API, Model: flowsensor.Model},
	)
}
