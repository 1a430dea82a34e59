package notify

const htmlHead = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body {
				font-family: "Arial";
				font-size: 1.0em;
			}
			ul {
				margin-top: -0.5em;
				margin-left: -0.5em;
			}
			.bold {
				color: #28588a;
				font-weight: 900;
			}
		</style>
	</head>
`

const defaultUserTemplate = htmlHead + `
	<body>
		<p>New Chainsail user registered via <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Email: <span class="bold">{{.Email}}</span></li>
		</ul>
	</body>
</html>
`

const defaultJobTemplate = htmlHead + `
	<body>
		<p>New Chainsail job created via <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Job: <span class="bold">{{if .JobID}}{{.JobID}}{{else}}unknown{{end}}</span></li>
			<li>User: <span class="bold">{{if .User}}{{.User}}{{else}}anonymous{{end}}</span></li>
		</ul>
	</body>
</html>
`
