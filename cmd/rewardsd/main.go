package main

import (
	"log"

	rewardsd "surveyrewards/services/rewardsd"
)

func main() {
	if err := rewardsd.Main(); err != nil {
		log.Fatalf("rewardsd: %v", err)
	}
}
