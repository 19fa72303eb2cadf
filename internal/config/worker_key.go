package config

type WorkerKeyStruct struct {
	PersistActivitiesQueue string
	AttemptCompletedRoute  string
}

var WorkerKey = &WorkerKeyStruct{
	PersistActivitiesQueue: "persist_activities_queue",
	AttemptCompletedRoute:  "attempt.completed",
}
